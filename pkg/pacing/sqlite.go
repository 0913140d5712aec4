package pacing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the record in a single-row table. The version column
// makes Save a compare-and-swap that holds across processes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create pacing db dir: %w", err)
		}
	}
	busy := 5 * time.Second
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pacing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS pacing_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO pacing_state (id, state, version, updated_at)
	VALUES (1, '{"requestTimestamps":[],"lastRequestTime":0,"isLimited":false}', 0, 0);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init pacing schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var (
		raw     string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, version FROM pacing_state WHERE id = 1`).Scan(&raw, &version)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load pacing state: %w", err)
	}
	snap, err := decodeRecord([]byte(raw))
	if err != nil {
		return Snapshot{State: State{RequestTimestamps: []int64{}}, Version: version}, nil
	}
	snap.Version = version
	return snap, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	b, err := encodeRecord(Snapshot{State: snap.State})
	if err != nil {
		return fmt.Errorf("encode pacing record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pacing_state SET state = ?, version = version + 1, updated_at = ? WHERE id = 1 AND version = ?`,
		string(b), time.Now().UnixMilli(), snap.Version)
	if err != nil {
		return fmt.Errorf("save pacing state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save pacing state: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
