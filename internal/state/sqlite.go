package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName   = "sqlite"
	sqliteBusyTimeout  = 5 * time.Second
	sqliteJournalMode  = "WAL"
	sqliteSynchronous  = "FULL"
	createRecordsTable = `CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		outputs BLOB,
		updated_at INTEGER NOT NULL
	);`
)

// SQLite is a durable local backend. Unlike File it updates per record
// instead of rewriting the whole document.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.ToSlash(path), int(sqliteBusyTimeout/time.Millisecond))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA journal_mode=%s;", sqliteJournalMode),
		fmt.Sprintf("PRAGMA synchronous=%s;", sqliteSynchronous),
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, createRecordsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migration: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, remote_id, hash, outputs, updated_at FROM records WHERE id = ?`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	return r, true, nil
}

func (s *SQLite) Put(ctx context.Context, r Record) error {
	outputs, err := json.Marshal(r.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, type, remote_id, hash, outputs, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   type = excluded.type,
		   remote_id = excluded.remote_id,
		   hash = excluded.hash,
		   outputs = excluded.outputs,
		   updated_at = excluded.updated_at`,
		r.ID, r.Type, r.RemoteID, r.Hash, outputs, r.UpdatedAt.UnixNano())

	return err
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return err
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, remote_id, hash, outputs, updated_at FROM records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var outputs []byte
	var updatedAt int64
	if err := row.Scan(&r.ID, &r.Type, &r.RemoteID, &r.Hash, &outputs, &updatedAt); err != nil {
		return Record{}, err
	}

	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &r.Outputs); err != nil {
			return Record{}, fmt.Errorf("decode outputs for %s: %w", r.ID, err)
		}
	}
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return r, nil
}
