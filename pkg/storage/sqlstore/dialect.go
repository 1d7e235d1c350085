// Package sqlstore implements storage.Backend on top of database/sql.
//
// The SQLite, MySQL and PostgreSQL backends share one table layout and one
// query set; a Dialect supplies the parts that differ between engines.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect describes the engine-specific SQL of a backend.
type Dialect interface {
	// Name is the backend identifier, for example "SQLite".
	Name() string

	// Numbered reports whether placeholders are $1, $2, ... instead of ?.
	Numbered() bool

	// MaxParams is the largest number of bind parameters in one statement.
	MaxParams() int

	// Schema returns the statements that create the table and its indexes.
	Schema(table string) []string

	// UpsertClause returns the conflict clause appended to a multi-row INSERT.
	UpsertClause(keys, updates []string) string

	// SizeQuery returns a query yielding the table footprint in bytes.
	SizeQuery(table string) (string, []interface{})
}

// Opener opens a database handle for a dialect.
type Opener func(ctx context.Context) (*sql.DB, error)

// keyColumns form the composite primary key.
var keyColumns = []string{"owner_id", "group_name", "mode"}

// columns lists every stored column in insert order.
var columns = []string{
	"owner_id", "group_name", "mode", "display_name",
	"health", "max_health", "food_level", "saturation", "exhaustion",
	"level", "experience", "total_experience",
	"inventory", "armor", "ender_chest", "offhand", "effects",
	"updated_at",
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTableName rejects names that cannot be used unquoted in SQL.
func ValidateTableName(table string) error {
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// rebind converts ? placeholders into $n for numbered dialects.
func rebind(d Dialect, query string) string {
	if !d.Numbered() {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// modeOrder orders rows by storage.Modes() for ModeAny lookups.
const modeOrder = `CASE mode WHEN 'SURVIVAL' THEN 0 WHEN 'CREATIVE' THEN 1 WHEN 'ADVENTURE' THEN 2 ELSE 3 END`

// ConflictUpdate builds "ON CONFLICT (keys) DO UPDATE SET c = excluded.c, ..."
// shared by SQLite and PostgreSQL.
func ConflictUpdate(keys, updates []string) string {
	sets := make([]string, len(updates))
	for i, c := range updates {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
}
