package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store keeps raw upstream responses in an in-memory sqlite database. It
// lives as long as the process; nothing is written to disk.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

const reqTable string = `
  CREATE TABLE IF NOT EXISTS reqdata (
      hash TEXT PRIMARY KEY,
      httpdata BLOB NOT NULL,
      expiry INT NOT NULL
  )
`

const reqExpiryIndex string = `CREATE INDEX IF NOT EXISTS reqdata_expiry ON reqdata (expiry)`

func NewStore(name string) (*Store, error) {
	logger := componentLogger("store")
	if name == "" {
		name = "donorgraph"
	}
	db, err := sql.Open("sqlite3", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single connection keeps the shared in-memory database alive and
	// serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{reqTable, reqExpiryIndex} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	return &Store{db: db, log: logger}, nil
}

func (store *Store) Close() error {
	return store.db.Close()
}

// DeleteBefore removes every response that expired before expiry.
func (store *Store) DeleteBefore(ctx context.Context, expiry time.Time) (int64, error) {
	res, err := store.db.ExecContext(ctx, "DELETE FROM reqdata WHERE expiry < ?", expiry.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge responses: %w", err)
	}
	return res.RowsAffected()
}

// GetResponse returns the stored response for hash unless it has expired.
func (store *Store) GetResponse(ctx context.Context, hash string, now time.Time) ([]byte, bool) {
	row := store.db.QueryRowContext(ctx, "SELECT httpdata FROM reqdata WHERE hash = ? AND expiry > ?", hash, now.Unix())
	var data []byte
	err := row.Scan(&data)
	if err == nil {
		return data, true
	}
	if !errors.Is(err, sql.ErrNoRows) {
		store.log.Error().Err(err).Str("hash", hash).Msg("read response")
	}
	return nil, false
}

func (store *Store) StoreResponse(ctx context.Context, hash string, res []byte, expiry time.Time) error {
	_, err := store.db.ExecContext(ctx, "INSERT OR REPLACE INTO reqdata (hash, httpdata, expiry) VALUES (?,?,?)",
		hash,
		res,
		expiry.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}
