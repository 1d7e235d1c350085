// Package postgres provides the networked PostgreSQL profile backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/oceanbase/profilestore-go/pkg/storage/sqlstore"
)

// Name is the backend identifier used in reports.
const Name = "PostgreSQL"

// Config contains PostgreSQL configuration.
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	TableName string
	SSLMode   string
}

// DSN returns the lib/pq connection string.
func (c *Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quote(c.Host), c.Port, quote(c.User), quote(c.Password), quote(c.DBName), quote(sslMode))
}

// quote escapes a key/value connection string value. Values that are empty
// or hold whitespace, quotes or backslashes are single-quoted.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r'\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Client implements storage.Backend using PostgreSQL.
type Client struct {
	*sqlstore.Store
}

// NewClient creates a PostgreSQL backend. The connection pool is opened by Initialize.
func NewClient(cfg *Config, logger logrus.FieldLogger) *Client {
	table := cfg.TableName
	if table == "" {
		table = "profiles"
	}
	dsn := cfg.DSN()
	open := func(ctx context.Context) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	}
	return &Client{Store: sqlstore.New(dialect{}, table, open, logger)}
}

type dialect struct{}

func (dialect) Name() string   { return Name }
func (dialect) Numbered() bool { return true }
func (dialect) MaxParams() int { return 65535 }

func (dialect) Schema(table string) []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			owner_id VARCHAR(36) NOT NULL,
			group_name VARCHAR(128) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			display_name VARCHAR(64) NOT NULL DEFAULT '',
			health DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_health DOUBLE PRECISION NOT NULL DEFAULT 0,
			food_level INTEGER NOT NULL DEFAULT 0,
			saturation DOUBLE PRECISION NOT NULL DEFAULT 0,
			exhaustion DOUBLE PRECISION NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 0,
			experience DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_experience INTEGER NOT NULL DEFAULT 0,
			inventory TEXT NOT NULL,
			armor TEXT NOT NULL,
			ender_chest TEXT NOT NULL,
			offhand TEXT,
			effects TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (owner_id, group_name, mode)
		)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(owner_id)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_owner_group ON %s(owner_id, group_name)", table, table),
	}
}

func (dialect) UpsertClause(keys, updates []string) string {
	return sqlstore.ConflictUpdate(keys, updates)
}

func (dialect) SizeQuery(table string) (string, []interface{}) {
	return "SELECT pg_total_relation_size(CAST(? AS regclass))", []interface{}{table}
}
