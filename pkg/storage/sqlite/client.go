// Package sqlite provides the embedded-file SQL profile backend.
//
// SQLite is a lightweight, file-based database suitable for single-node
// deployments. Collections are stored as JSON strings in TEXT fields.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/oceanbase/profilestore-go/pkg/storage/sqlstore"
)

// Name is the backend identifier used in reports.
const Name = "SQLite"

// Config contains configuration for creating a SQLite backend.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// TableName is the name of the table to use (default: "profiles").
	TableName string
}

// Client implements storage.Backend using SQLite.
type Client struct {
	*sqlstore.Store
}

// NewClient creates a SQLite backend. The database file is opened by Initialize.
func NewClient(cfg *Config, logger logrus.FieldLogger) *Client {
	table := cfg.TableName
	if table == "" {
		table = "profiles"
	}
	path := cfg.DBPath
	open := func(ctx context.Context) (*sql.DB, error) {
		// Create parent directory if it doesn't exist
		dbDir := filepath.Dir(path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return nil, fmt.Errorf("create directory: %w", err)
			}
		}
		db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			return nil, err
		}
		// A single writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
		return db, nil
	}
	return &Client{Store: sqlstore.New(dialect{}, table, open, logger)}
}

type dialect struct{}

func (dialect) Name() string   { return Name }
func (dialect) Numbered() bool { return false }

// MaxParams stays under SQLITE_MAX_VARIABLE_NUMBER of older builds.
func (dialect) MaxParams() int { return 999 }

func (dialect) Schema(table string) []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			owner_id TEXT NOT NULL,
			group_name TEXT NOT NULL,
			mode TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			health REAL NOT NULL DEFAULT 0,
			max_health REAL NOT NULL DEFAULT 0,
			food_level INTEGER NOT NULL DEFAULT 0,
			saturation REAL NOT NULL DEFAULT 0,
			exhaustion REAL NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 0,
			experience REAL NOT NULL DEFAULT 0,
			total_experience INTEGER NOT NULL DEFAULT 0,
			inventory TEXT NOT NULL,
			armor TEXT NOT NULL,
			ender_chest TEXT NOT NULL,
			offhand TEXT,
			effects TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (owner_id, group_name, mode)
		)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(owner_id)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_owner_group ON %s(owner_id, group_name)", table, table),
	}
}

func (dialect) UpsertClause(keys, updates []string) string {
	return sqlstore.ConflictUpdate(keys, updates)
}

func (dialect) SizeQuery(string) (string, []interface{}) {
	return "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()", nil
}
