// Package mysql provides the networked MySQL profile backend.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/oceanbase/profilestore-go/pkg/storage/sqlstore"
)

// Name is the backend identifier used in reports.
const Name = "MySQL"

// Config contains MySQL configuration.
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	TableName string

	// Params are extra DSN parameters (default: "parseTime=true&charset=utf8mb4").
	Params string
}

// DSN returns the go-sql-driver connection string.
func (c *Config) DSN() string {
	params := c.Params
	if params == "" {
		params = "parseTime=true&charset=utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s", c.User, c.Password, c.Host, c.Port, c.DBName, params)
}

// Client implements storage.Backend using MySQL.
type Client struct {
	*sqlstore.Store
}

// NewClient creates a MySQL backend. The connection pool is opened by Initialize.
func NewClient(cfg *Config, logger logrus.FieldLogger) *Client {
	table := cfg.TableName
	if table == "" {
		table = "profiles"
	}
	dsn := cfg.DSN()
	open := func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetMaxIdleConns(4)
		return db, nil
	}
	return &Client{Store: sqlstore.New(dialect{}, table, open, logger)}
}

type dialect struct{}

func (dialect) Name() string   { return Name }
func (dialect) Numbered() bool { return false }
func (dialect) MaxParams() int { return 65535 }

// Schema creates the table with inline indexes; MySQL has no
// CREATE INDEX IF NOT EXISTS.
func (dialect) Schema(table string) []string {
	return []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			owner_id VARCHAR(36) NOT NULL,
			group_name VARCHAR(128) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			display_name VARCHAR(64) NOT NULL DEFAULT '',
			health DOUBLE NOT NULL DEFAULT 0,
			max_health DOUBLE NOT NULL DEFAULT 0,
			food_level INT NOT NULL DEFAULT 0,
			saturation DOUBLE NOT NULL DEFAULT 0,
			exhaustion DOUBLE NOT NULL DEFAULT 0,
			level INT NOT NULL DEFAULT 0,
			experience DOUBLE NOT NULL DEFAULT 0,
			total_experience INT NOT NULL DEFAULT 0,
			inventory MEDIUMTEXT NOT NULL,
			armor MEDIUMTEXT NOT NULL,
			ender_chest MEDIUMTEXT NOT NULL,
			offhand MEDIUMTEXT,
			effects TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (owner_id, group_name, mode),
			INDEX idx_%s_owner (owner_id),
			INDEX idx_%s_owner_group (owner_id, group_name)
		) DEFAULT CHARSET = utf8mb4`, table, table, table)}
}

func (dialect) UpsertClause(_, updates []string) string {
	clause := "ON DUPLICATE KEY UPDATE "
	for i, c := range updates {
		if i > 0 {
			clause += ", "
		}
		clause += fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return clause
}

func (dialect) SizeQuery(table string) (string, []interface{}) {
	return `SELECT COALESCE(SUM(data_length + index_length), 0)
		FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?`, []interface{}{table}
}
