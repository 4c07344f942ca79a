package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/runengine/pkg/runengine/checkpoint"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/run"
	"github.com/randalmurphal/runengine/pkg/runengine/runctx"
)

// Configuration errors.
var (
	ErrUnknownDialect = errors.New("unknown database dialect")
	ErrInvalidConfig  = errors.New("invalid store configuration")
)

// Config selects and tunes a SQL backend.
type Config struct {
	// Driver is one of DialectSQLite, DialectMySQL or DialectPostgres.
	Driver string
	// DSN is passed to the driver unchanged, e.g. "runs.db", ":memory:",
	// "user:pass@tcp(localhost:3306)/runs" or "postgres://user@host/runs".
	DSN string

	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings suitable for a single engine process.
func DefaultConfig(driver, dsn string) Config {
	return Config{
		Driver:          driver,
		DSN:             dsn,
		PingTimeout:     5 * time.Second,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := lookupDialect(c.Driver); err != nil {
		return err
	}
	if c.DSN == "" {
		return fmt.Errorf("%w: DSN is required", ErrInvalidConfig)
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("%w: connection limits must be >= 0", ErrInvalidConfig)
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("%w: MaxIdleConns must be <= MaxOpenConns", ErrInvalidConfig)
	}
	return nil
}

// SQLStore persists runs in a relational database.
//
// Schema:
//   - runs: one row per run, JSON-encoded config, inputs and metadata
//   - step_executions: append-only step history
//   - run_contexts: latest serialized context per run
//   - checkpoints: serialized checkpoints keyed by (run_id, sequence)
//
// Timestamps are stored as Unix nanoseconds so every dialect orders them
// the same way.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open connects to the configured database, tunes the pool and creates the
// schema if needed.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, _ := lookupDialect(cfg.Driver)

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.name, err)
	}

	if d.name == DialectSQLite {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx := ctx
	if cfg.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", d.name, err)
	}

	s, err := New(ctx, db, d.name)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite is a shortcut for a SQLite store at path (":memory:" for tests).
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	return Open(ctx, DefaultConfig(DialectSQLite, path))
}

// New wraps an already opened database. The caller keeps ownership of pool
// tuning; Close still closes db.
func New(ctx context.Context, db *sql.DB, dialectName string) (*SQLStore, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	if s.dialect.name == DialectSQLite {
		// Enable WAL mode for better concurrent read performance
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Dialect returns the name of the backing database dialect.
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

// Ping verifies the database connection is alive.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRun implements Store.
func (s *SQLStore) CreateRun(ctx context.Context, r *run.Run) error {
	return s.withOpen(func() error {
		cfg, err := json.Marshal(r.Config)
		if err != nil {
			return fmt.Errorf("encode run config: %w", err)
		}
		inputs, err := encodeMap(r.Inputs)
		if err != nil {
			return fmt.Errorf("encode run inputs: %w", err)
		}
		meta, err := encodeMap(r.Metadata)
		if err != nil {
			return fmt.Errorf("encode run metadata: %w", err)
		}
		now := s.now().UTC().UnixNano()

		_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO runs (id, routine_id, routine_type, state, config, inputs, metadata,
				error_message, created_at, updated_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), r.ID, r.RoutineID, r.RoutineType, string(r.State), string(cfg), inputs, meta,
			r.Error, now, now, nanos(r.StartedAt), nanos(r.CompletedAt))
		if err != nil {
			return fmt.Errorf("insert run %s: %w", r.ID, err)
		}
		return nil
	})
}

// UpdateRunState implements Store.
func (s *SQLStore) UpdateRunState(ctx context.Context, runID string, state run.State, errMsg string) error {
	return s.withOpen(func() error {
		now := s.now().UTC().UnixNano()
		completed := int64(0)
		if state.IsTerminal() {
			completed = now
		}
		started := int64(0)
		if state == run.StateRunning {
			started = now
		}

		res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			UPDATE runs SET
				state = ?,
				error_message = ?,
				updated_at = ?,
				started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END,
				completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
			WHERE id = ?
		`), string(state), errMsg, now, started, completed, completed, runID)
		if err != nil {
			return fmt.Errorf("update run %s: %w", runID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update run %s: %w", runID, err)
		}
		if n == 0 {
			return s.ensureRun(ctx, runID)
		}
		return nil
	})
}

// ensureRun distinguishes "no such run" from MySQL reporting zero affected
// rows for an update that changed nothing.
func (s *SQLStore) ensureRun(ctx context.Context, runID string) error {
	var id string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT id FROM runs WHERE id = ?`), runID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("lookup run %s: %w", runID, err)
	}
	return nil
}

// RecordStepExecution implements Store.
func (s *SQLStore) RecordStepExecution(ctx context.Context, exec run.StepExecution) error {
	return s.withOpen(func() error {
		loc, err := json.Marshal(exec.Location)
		if err != nil {
			return fmt.Errorf("encode step location: %w", err)
		}
		outputs, err := encodeMap(exec.Outputs)
		if err != nil {
			return fmt.Errorf("encode step outputs: %w", err)
		}

		_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO step_executions (run_id, step_id, location, branch_id, status,
				outputs, error_message, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), exec.RunID, exec.StepID, string(loc), exec.BranchID, string(exec.Status),
			outputs, exec.Error, nanos(exec.StartedAt), nanos(exec.FinishedAt))
		if err != nil {
			return fmt.Errorf("record step %s of run %s: %w", exec.StepID, exec.RunID, err)
		}
		return nil
	})
}

// GetRun implements Store.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, checkpoint.ErrStoreClosed
	}

	var (
		r                    run.Run
		state                string
		cfg, inputs, meta    string
		started, completed   int64
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, routine_id, routine_type, state, config, inputs, metadata,
			error_message, created_at, updated_at, started_at, completed_at
		FROM runs WHERE id = ?
	`), runID).Scan(&r.ID, &r.RoutineID, &r.RoutineType, &state, &cfg, &inputs, &meta,
		&r.Error, &createdAt, &updatedAt, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	r.State = run.State(state)
	r.StartedAt = fromNanos(started)
	r.CompletedAt = fromNanos(completed)
	if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
		return nil, fmt.Errorf("decode config of run %s: %w", runID, err)
	}
	if err := decodeMap(inputs, &r.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of run %s: %w", runID, err)
	}
	if err := decodeMap(meta, &r.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of run %s: %w", runID, err)
	}
	return &r, nil
}

// ListSteps implements Store.
func (s *SQLStore) ListSteps(ctx context.Context, runID string) ([]run.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, checkpoint.ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT step_id, location, branch_id, status, outputs, error_message, started_at, finished_at
		FROM step_executions
		WHERE run_id = ?
		ORDER BY id
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("list steps of run %s: %w", runID, err)
	}
	defer rows.Close()

	steps := []run.StepExecution{}
	for rows.Next() {
		var (
			exec              run.StepExecution
			loc, outputs      string
			status            string
			started, finished int64
		)
		if err := rows.Scan(&exec.StepID, &loc, &exec.BranchID, &status, &outputs,
			&exec.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		exec.RunID = runID
		exec.Status = run.StepStatus(status)
		exec.StartedAt = fromNanos(started)
		exec.FinishedAt = fromNanos(finished)
		var location navigator.Location
		if err := json.Unmarshal([]byte(loc), &location); err != nil {
			return nil, fmt.Errorf("decode step location: %w", err)
		}
		exec.Location = location
		if err := decodeMap(outputs, &exec.Outputs); err != nil {
			return nil, fmt.Errorf("decode step outputs: %w", err)
		}
		steps = append(steps, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// SaveContext implements runctx.Store.
func (s *SQLStore) SaveContext(ctx context.Context, runID string, data []byte) error {
	return s.withOpen(func() error {
		_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO run_contexts (run_id, data, updated_at) VALUES (?, ?, ?)`+
			s.dialect.upsert([]string{"run_id"}, "data", "updated_at")),
			runID, data, s.now().UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("save context of run %s: %w", runID, err)
		}
		return nil
	})
}

// LoadContext implements runctx.Store.
func (s *SQLStore) LoadContext(ctx context.Context, runID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, checkpoint.ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT data FROM run_contexts WHERE run_id = ?
	`), runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", runctx.ErrUnknownRun, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load context of run %s: %w", runID, err)
	}
	return data, nil
}

// SaveCheckpoint implements checkpoint.Store.
func (s *SQLStore) SaveCheckpoint(ctx context.Context, runID string, sequence int, data []byte) error {
	return s.withOpen(func() error {
		_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO checkpoints (run_id, sequence, created_at, data) VALUES (?, ?, ?, ?)`+
			s.dialect.upsert([]string{"run_id", "sequence"}, "created_at", "data")),
			runID, sequence, s.now().UTC().UnixNano(), data)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// LatestCheckpoint implements checkpoint.Store.
func (s *SQLStore) LatestCheckpoint(ctx context.Context, runID string) ([]byte, error) {
	return s.queryCheckpoint(ctx, `
		SELECT data FROM checkpoints
		WHERE run_id = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, runID)
}

// LoadCheckpoint implements checkpoint.Store.
func (s *SQLStore) LoadCheckpoint(ctx context.Context, runID string, sequence int) ([]byte, error) {
	return s.queryCheckpoint(ctx, `
		SELECT data FROM checkpoints
		WHERE run_id = ? AND sequence = ?
	`, runID, sequence)
}

func (s *SQLStore) queryCheckpoint(ctx context.Context, query string, args ...any) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, checkpoint.ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// ListCheckpoints implements checkpoint.Store.
func (s *SQLStore) ListCheckpoints(ctx context.Context, runID string) ([]checkpoint.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, checkpoint.ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT sequence, created_at, LENGTH(data)
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY sequence
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	infos := []checkpoint.Info{}
	for rows.Next() {
		var (
			info    checkpoint.Info
			created int64
		)
		if err := rows.Scan(&info.Sequence, &created, &info.Size); err != nil {
			return nil, fmt.Errorf("scan checkpoint info: %w", err)
		}
		info.RunID = runID
		info.Timestamp = fromNanos(created)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return infos, nil
}

// DeleteCheckpoints implements checkpoint.Store.
func (s *SQLStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	return s.withOpen(func() error {
		_, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM checkpoints WHERE run_id = ?`), runID)
		if err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
		return nil
	})
}

// Close implements Store.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// withOpen runs a write while the store is open. Writes share the lock with
// reads; only Close takes it exclusively, so it waits for writes in flight.
func (s *SQLStore) withOpen(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return checkpoint.ErrStoreClosed
	}
	return fn()
}

func encodeMap[M ~map[string]V, V any](m M) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap[M ~map[string]V, V any](data string, out *M) error {
	if data == "" || data == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
