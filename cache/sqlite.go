package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

// SQLiteStorage keeps generations in a SQLite database.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	quota      int64
}

// NewSQLiteStorage opens the storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string, quotaBytes int64) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filename)
	}
	// one connection, shared-cache databases lock across connections
	db.SetMaxOpenConns(1)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "init schema")
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
		quota:      quotaBytes,
	}, nil
}

func (s *SQLiteStorage) used(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (int64, error) {
	var used int64
	err := q.QueryRowContext(ctx, "SELECT COALESCE(SUM(LENGTH(bytes)), 0) FROM entries").Scan(&used)
	return used, err
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Generation, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		if s.quota > 0 {
			used, err := s.used(ctx, s.db)
			if err != nil {
				return nil, errors.Wrap(err, "compute usage")
			}
			if used >= s.quota {
				return nil, errors.Wrapf(ErrQuotaExceeded, "open %s", name)
			}
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
			name, time.Now().Unix())
		if err != nil {
			return nil, errors.Wrapf(err, "create generation %s", name)
		}
	}
	return &sqliteGeneration{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, errors.Wrapf(err, "delete entries of %s", name)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, errors.Wrapf(err, "delete generation %s", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteGeneration struct {
	storage *SQLiteStorage
	name    string
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Match(ctx context.Context, key string) (*Response, bool, error) {
	var b []byte
	err := g.storage.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE generation = ? AND key = ?", g.name, key).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	res, err := DecodeResponse(b)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (g *sqliteGeneration) Put(ctx context.Context, key string, res *Response) error {
	b, err := EncodeResponse(res)
	if err != nil {
		return err
	}
	s := g.storage
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE name = ?", g.name).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrGenerationDeleted
	} else if err != nil {
		return err
	}

	if s.quota > 0 {
		used, err := s.used(ctx, tx)
		if err != nil {
			return errors.Wrap(err, "compute usage")
		}
		var old int64
		err = tx.QueryRowContext(ctx,
			"SELECT LENGTH(bytes) FROM entries WHERE generation = ? AND key = ?", g.name, key).Scan(&old)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if used-old+int64(len(b)) > s.quota {
			return errors.Wrapf(ErrQuotaExceeded, "need %d bytes, %d of %d used", len(b), used, s.quota)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		g.name, key, res.StoredAt.Unix(), b)
	if err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return tx.Commit()
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]string, error) {
	rows, err := g.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE generation = ? ORDER BY key", g.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
