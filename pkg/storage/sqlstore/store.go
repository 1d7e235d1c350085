package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oceanbase/profilestore-go/pkg/storage"
)

// maxRowsPerStatement caps the rows of one multi-row upsert.
const maxRowsPerStatement = 500

var _ storage.Backend = (*Store)(nil)

// Store implements storage.Backend for any Dialect.
type Store struct {
	// mu guards db.
	mu sync.RWMutex

	// db is nil until Initialize succeeds and after Shutdown.
	db *sql.DB

	dialect Dialect
	table   string
	open    Opener
	logger  logrus.FieldLogger
}

// New creates an uninitialized Store. No I/O happens until Initialize.
func New(dialect Dialect, table string, open Opener, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		dialect: dialect,
		table:   table,
		open:    open,
		logger:  logger.WithField("backend", dialect.Name()),
	}
}

// Name returns the dialect name.
func (s *Store) Name() string {
	return s.dialect.Name()
}

// Initialize opens the database, verifies the connection and creates the
// table and indexes if absent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		s.logger.Debug("already initialized")
		return nil
	}
	if err := ValidateTableName(s.table); err != nil {
		return fmt.Errorf("Initialize: %w", err)
	}

	db, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("Initialize: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("Initialize: %w", err)
	}
	for _, stmt := range s.dialect.Schema(s.table) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("Initialize: create schema: %w", err)
		}
	}

	s.db = db
	s.logger.WithField("table", s.table).Info("storage initialized")
	return nil
}

// Shutdown closes the database handle.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("Shutdown: %w", err)
	}
	return nil
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storage.ErrNotInitialized
	}
	return s.db, nil
}

// Save upserts one profile.
func (s *Store) Save(ctx context.Context, profile *storage.Profile) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	db, err := s.conn()
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	query, args, err := s.upsert([]*storage.Profile{profile})
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// SaveBatch writes profiles in chunks, one transaction and one multi-row
// statement per chunk.
func (s *Store) SaveBatch(ctx context.Context, profiles []*storage.Profile) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, fmt.Errorf("SaveBatch: %w", err)
	}
	valid := profiles
	var invalid error
	for i, p := range profiles {
		if err := p.Validate(); err != nil {
			valid, invalid = profiles[:i], err
			break
		}
	}
	written, err := s.writeChunks(ctx, db, valid)
	if err != nil {
		return written, err
	}
	if invalid != nil {
		return written, fmt.Errorf("SaveBatch: %w", invalid)
	}
	return written, nil
}

func (s *Store) writeChunks(ctx context.Context, db *sql.DB, profiles []*storage.Profile) (int, error) {
	rows := s.dialect.MaxParams() / len(columns)
	if rows > maxRowsPerStatement {
		rows = maxRowsPerStatement
	}
	if rows < 1 {
		rows = 1
	}

	written := 0
	for start := 0; start < len(profiles); start += rows {
		end := start + rows
		if end > len(profiles) {
			end = len(profiles)
		}
		if err := s.writeChunk(ctx, db, profiles[start:end]); err != nil {
			return written, fmt.Errorf("SaveBatch: %w", err)
		}
		written = end
	}
	return written, nil
}

func (s *Store) writeChunk(ctx context.Context, db *sql.DB, chunk []*storage.Profile) error {
	query, args, err := s.upsert(lastPerKey(chunk))
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// upsert builds one multi-row upsert statement.
func (s *Store) upsert(profiles []*storage.Profile) (string, []interface{}, error) {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	values := make([]string, len(profiles))
	args := make([]interface{}, 0, len(profiles)*len(columns))
	for i, p := range profiles {
		values[i] = row
		cols, err := storage.EncodeColumns(p)
		if err != nil {
			return "", nil, err
		}
		args = append(args,
			p.OwnerID.String(), p.Group, string(p.Mode), p.DisplayName,
			p.Health, p.MaxHealth, p.FoodLevel, p.Saturation, p.Exhaustion,
			p.Level, p.Experience, p.TotalExperience,
			cols.Inventory, cols.Armor, cols.EnderChest, cols.Offhand, cols.Effects,
			p.UpdatedAt.UnixMilli(),
		)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
		s.table, strings.Join(columns, ", "), strings.Join(values, ", "),
		s.dialect.UpsertClause(keyColumns, columns[len(keyColumns):]))
	return rebind(s.dialect, query), args, nil
}

// lastPerKey drops earlier duplicates of a key so one statement never
// touches the same row twice.
func lastPerKey(chunk []*storage.Profile) []*storage.Profile {
	last := make(map[storage.Key]int, len(chunk))
	for i, p := range chunk {
		last[p.Key()] = i
	}
	if len(last) == len(chunk) {
		return chunk
	}
	out := make([]*storage.Profile, 0, len(last))
	for i, p := range chunk {
		if last[p.Key()] == i {
			out = append(out, p)
		}
	}
	return out
}

// Load returns one profile; ModeAny picks the first stored mode in
// storage.Modes() order that decodes cleanly.
func (s *Store) Load(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (*storage.Profile, error) {
	db, err := s.conn()
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	where, args := buildWhereClause(ownerID, group, mode)
	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY %s", strings.Join(columns, ", "), s.table, where, modeOrder)

	rows, err := db.QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			s.logCorrupt(err, ownerID, group)
			continue
		}
		return p, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return nil, nil
}

// LoadAll returns every entry of one owner, skipping corrupted rows.
func (s *Store) LoadAll(ctx context.Context, ownerID uuid.UUID) (map[storage.Key]*storage.Profile, error) {
	db, err := s.conn()
	if err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE owner_id = ?", strings.Join(columns, ", "), s.table)
	rows, err := db.QueryContext(ctx, rebind(s.dialect, query), ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[storage.Key]*storage.Profile)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			s.logCorrupt(err, ownerID, "")
			continue
		}
		result[p.Key()] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	return result, nil
}

// Delete removes one entry, or all modes of the group for ModeAny.
func (s *Store) Delete(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	where, args := buildWhereClause(ownerID, group, mode)
	n, err := s.execCount(ctx, db, fmt.Sprintf("DELETE FROM %s %s", s.table, where), args...)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	return n > 0, nil
}

// DeleteAll removes every entry of one owner.
func (s *Store) DeleteAll(ctx context.Context, ownerID uuid.UUID) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, fmt.Errorf("DeleteAll: %w", err)
	}
	n, err := s.execCount(ctx, db, fmt.Sprintf("DELETE FROM %s WHERE owner_id = ?", s.table), ownerID.String())
	if err != nil {
		return 0, fmt.Errorf("DeleteAll: %w", err)
	}
	return int(n), nil
}

func (s *Store) execCount(ctx context.Context, db *sql.DB, query string, args ...interface{}) (int64, error) {
	result, err := db.ExecContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Exists reports whether an entry is stored for the key.
func (s *Store) Exists(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, fmt.Errorf("Exists: %w", err)
	}
	where, args := buildWhereClause(ownerID, group, mode)
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", s.table, where)
	if err := db.QueryRowContext(ctx, rebind(s.dialect, query), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("Exists: %w", err)
	}
	return n > 0, nil
}

// AllOwnerIDs returns every owner with at least one row.
func (s *Store) AllOwnerIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	db, err := s.conn()
	if err != nil {
		return nil, fmt.Errorf("AllOwnerIDs: %w", err)
	}
	values, err := s.distinct(ctx, db, fmt.Sprintf("SELECT DISTINCT owner_id FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("AllOwnerIDs: %w", err)
	}
	owners := make(map[uuid.UUID]struct{}, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			s.logger.WithField("owner", v).Warn("skipping unparsable owner id")
			continue
		}
		owners[id] = struct{}{}
	}
	return owners, nil
}

// GroupsFor returns the groups stored for one owner.
func (s *Store) GroupsFor(ctx context.Context, ownerID uuid.UUID) (map[string]struct{}, error) {
	db, err := s.conn()
	if err != nil {
		return nil, fmt.Errorf("GroupsFor: %w", err)
	}
	values, err := s.distinct(ctx, db, fmt.Sprintf("SELECT DISTINCT group_name FROM %s WHERE owner_id = ?", s.table), ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("GroupsFor: %w", err)
	}
	groups := make(map[string]struct{}, len(values))
	for _, v := range values {
		groups[v] = struct{}{}
	}
	return groups, nil
}

func (s *Store) distinct(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// EntryCount returns the number of rows.
func (s *Store) EntryCount(ctx context.Context) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, fmt.Errorf("EntryCount: %w", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("EntryCount: %w", err)
	}
	return n, nil
}

// ApproximateSizeBytes asks the engine for the table footprint.
func (s *Store) ApproximateSizeBytes(ctx context.Context) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, fmt.Errorf("ApproximateSizeBytes: %w", err)
	}
	query, args := s.dialect.SizeQuery(s.table)
	var size sql.NullInt64
	if err := db.QueryRowContext(ctx, rebind(s.dialect, query), args...).Scan(&size); err != nil {
		return 0, fmt.Errorf("ApproximateSizeBytes: %w", err)
	}
	return size.Int64, nil
}

// IsHealthy pings the database with a short timeout.
func (s *Store) IsHealthy(ctx context.Context) bool {
	db, err := s.conn()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx) == nil
}

func (s *Store) logCorrupt(err error, ownerID uuid.UUID, group string) {
	s.logger.WithError(err).WithFields(logrus.Fields{
		"owner": ownerID.String(),
		"group": group,
	}).Warn("skipping corrupt profile row")
}

// buildWhereClause builds the key filter; ModeAny drops the mode condition.
func buildWhereClause(ownerID uuid.UUID, group string, mode storage.Mode) (string, []interface{}) {
	conditions := []string{"owner_id = ?", "group_name = ?"}
	args := []interface{}{ownerID.String(), group}
	if mode != storage.ModeAny {
		conditions = append(conditions, "mode = ?")
		args = append(args, string(mode))
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// scanProfile decodes one row. Decoding failures wrap storage.ErrCorruptRecord.
func scanProfile(rows *sql.Rows) (*storage.Profile, error) {
	var (
		p         storage.Profile
		owner     string
		mode      string
		cols      storage.Columns
		updatedAt int64
		offhand   sql.NullString
	)
	err := rows.Scan(
		&owner, &p.Group, &mode, &p.DisplayName,
		&p.Health, &p.MaxHealth, &p.FoodLevel, &p.Saturation, &p.Exhaustion,
		&p.Level, &p.Experience, &p.TotalExperience,
		&cols.Inventory, &cols.Armor, &cols.EnderChest, &offhand, &cols.Effects,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}
	if p.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, fmt.Errorf("%w: owner id: %v", storage.ErrCorruptRecord, err)
	}
	if p.Mode, err = storage.ParseMode(mode); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}
	cols.Offhand = offhand.String
	if err := storage.DecodeColumns(cols, &p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}
	return &p, nil
}
