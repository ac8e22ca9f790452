package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrMismatch is returned when a key is reused with a different payload.
var ErrMismatch = errors.New("idempotency key reuse with different request body")

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// Store keeps the responses of mutating requests keyed by actor and
// Idempotency-Key so retries replay the first outcome.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens (or creates) the sqlite database at path. Use ":memory:" for an
// ephemeral store. Entries older than ttl are ignored and pruned; a zero ttl
// keeps them forever.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	store := &Store{db: db, ttl: ttl, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
            actor TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at INTEGER NOT NULL,
            PRIMARY KEY(actor, idempotency_key)
        );`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HashRequest fingerprints a request so key reuse with a different body is
// detected.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the stored response for the key, nil when none exists, or
// ErrMismatch when the key was used for a different request.
func (s *Store) Lookup(ctx context.Context, actor, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash, created_at FROM idempotency_keys WHERE actor = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, actor, key)
	var (
		status     int
		body       []byte
		storedHash string
		createdAt  int64
	)
	err := row.Scan(&status, &body, &storedHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.expired(createdAt) {
		return nil, nil
	}
	if storedHash != requestHash {
		return nil, ErrMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// Save records the response for the key.
func (s *Store) Save(ctx context.Context, actor, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(actor, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx, stmt, actor, key, requestHash, status, body, s.now().Unix())
	return err
}

// Prune deletes expired entries and returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) expired(createdAt int64) bool {
	if s.ttl <= 0 {
		return false
	}
	return s.now().Add(-s.ttl).Unix() > createdAt
}
