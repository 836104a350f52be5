package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists completed checkpoints of one job to SQLite.
// The table is an ordered log keyed by checkpoint id. It also backs a
// persistent IDCounter so ids are never reused across coordinator restarts.
type SQLiteStore struct {
	db        *sql.DB
	jobID     string
	retention retention
	mu        sync.RWMutex
	closed    bool
}

// NewSQLiteStore opens (or creates) a store for jobID.
// The path should be a file path (e.g., "./checkpoints.db") or ":memory:" for testing.
func NewSQLiteStore(path, jobID string, opts ...StoreOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS completed_checkpoints (
			job_id TEXT NOT NULL,
			checkpoint_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			task_count INTEGER NOT NULL,
			size INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (job_id, checkpoint_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_counters (
			job_id TEXT PRIMARY KEY,
			last_id INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create counter table: %w", err)
	}

	return &SQLiteStore{db: db, jobID: jobID, retention: newRetention(opts)}, nil
}

// JobID returns the job this store is scoped to.
func (s *SQLiteStore) JobID() string {
	return s.jobID
}

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, c *Completed) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	dropped, err := s.addLocked(ctx, c, data)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.retention.subsumed(dropped)
	return nil
}

func (s *SQLiteStore) addLocked(ctx context.Context, c *Completed, data []byte) ([]*Completed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add checkpoint: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM completed_checkpoints
		WHERE job_id = ? AND checkpoint_id = ?
	`, s.jobID, c.ID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check checkpoint %d: %w", c.ID, err)
	}
	if exists > 0 {
		return nil, ErrDuplicateCheckpoint
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO completed_checkpoints
			(job_id, checkpoint_id, kind, status, triggered_at, completed_at, task_count, size, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.jobID, c.ID, string(c.Kind), string(c.Status),
		c.TriggeredAt.UTC().Format(time.RFC3339Nano),
		c.CompletedAt.UTC().Format(time.RFC3339Nano),
		len(c.Tasks), c.Size(), data)
	if err != nil {
		return nil, fmt.Errorf("add checkpoint %d: %w", c.ID, err)
	}

	infos, err := s.listTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	var dropped []*Completed
	for _, id := range s.retention.prune(infos) {
		old, err := s.getTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM completed_checkpoints WHERE job_id = ? AND checkpoint_id = ?
		`, s.jobID, id); err != nil {
			return nil, fmt.Errorf("prune checkpoint %d: %w", id, err)
		}
		dropped = append(dropped, old)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint %d: %w", c.ID, err)
	}
	return dropped, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getTx(ctx context.Context, q queryer, id int64) (*Completed, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `
		SELECT data FROM completed_checkpoints
		WHERE job_id = ? AND checkpoint_id = ?
	`, s.jobID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %d: %w", id, err)
	}
	c, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) listTx(ctx context.Context, q queryer) ([]Info, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT checkpoint_id, kind, triggered_at, completed_at, task_count, size
		FROM completed_checkpoints
		WHERE job_id = ?
		ORDER BY checkpoint_id
	`, s.jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	infos := []Info{}
	for rows.Next() {
		var info Info
		var kind, triggered, completed string
		if err := rows.Scan(&info.ID, &kind, &triggered, &completed, &info.Tasks, &info.Size); err != nil {
			return nil, fmt.Errorf("scan checkpoint info: %w", err)
		}
		info.Kind = Kind(kind)
		info.TriggeredAt, _ = time.Parse(time.RFC3339Nano, triggered)
		info.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return infos, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Completed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.getTx(ctx, s.db, id)
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context) (*Completed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id FROM completed_checkpoints
		WHERE job_id = ?
		ORDER BY checkpoint_id DESC
		LIMIT 1
	`, s.jobID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return s.getTx(ctx, s.db, id)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.listTx(ctx, s.db)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// IDCounter returns the persistent id counter of this store's job.
func (s *SQLiteStore) IDCounter() *SQLiteIDCounter {
	return &SQLiteIDCounter{store: s}
}

// SQLiteIDCounter persists the last allocated checkpoint id next to the
// completed checkpoint log.
type SQLiteIDCounter struct {
	store *SQLiteStore
}

// Next implements IDCounter.
func (c *SQLiteIDCounter) Next(ctx context.Context) (int64, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO checkpoint_counters (job_id, last_id) VALUES (?, 1)
		ON CONFLICT(job_id) DO UPDATE SET last_id = last_id + 1
		RETURNING last_id
	`, s.jobID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocate checkpoint id: %w", err)
	}
	return id, nil
}

// Current implements IDCounter.
func (c *SQLiteIDCounter) Current(ctx context.Context) (int64, error) {
	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_id FROM checkpoint_counters WHERE job_id = ?
	`, s.jobID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint counter: %w", err)
	}
	return id, nil
}

// Ensure implements IDCounter.
func (c *SQLiteIDCounter) Ensure(ctx context.Context, atLeast int64) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_counters (job_id, last_id) VALUES (?, ?)
		ON CONFLICT(job_id) DO UPDATE SET last_id = MAX(last_id, excluded.last_id)
	`, s.jobID, atLeast)
	if err != nil {
		return fmt.Errorf("advance checkpoint counter: %w", err)
	}
	return nil
}

var (
	_ Store     = (*SQLiteStore)(nil)
	_ Store     = (*MemoryStore)(nil)
	_ IDCounter = (*SQLiteIDCounter)(nil)
)
