// Package store implements the durable, last-writer-wins replicated
// key-value state. It is the sole owner of durable record state; the
// event loop is its only caller, so no internal locking is needed
// beyond what database/sql already provides for concurrent statements.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode"

	_ "modernc.org/sqlite"
)

const (
	// DefaultMaxKeyLength is the maximum length, in characters, of a
	// record key, used when Open is not given an explicit override.
	DefaultMaxKeyLength = 256
	// DefaultMaxValueLength is the maximum length, in characters, of a
	// record value, used when Open is not given an explicit override.
	DefaultMaxValueLength = 65536
	// DefaultSweepAge is the default tombstone retention period for Sweep.
	DefaultSweepAge = 30 * 24 * time.Hour
)

// ValidationError reports a key or value that violates the record
// invariants. It is surfaced to the user on local operations and
// dropped silently (with a log line) on remote operations.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "store: validation: " + e.Reason }

// StorageError wraps a persistent-write failure. Local writes
// propagate it to the caller; remote writes log it and count it as a
// loss that eventual consistency will correct on a future write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Record is a single key-value entry with its LWW metadata.
type Record struct {
	Key       string
	Value     string
	Timestamp int64 // UnixNano, selected at creation time by the originating peer
	Deleted   bool
}

// Outcome reports what happened to a remote mutation attempt.
type Outcome int

const (
	// Rejected means the incoming timestamp lost the LWW comparison.
	Rejected Outcome = iota
	// Applied means the incoming record replaced the local one.
	Applied
)

// Store is the durable per-key record table, backed by an embedded
// SQL database (store.db). All mutations commit before the call
// returns; a crash between mutation and publish is acceptable since
// the record survives locally and disseminates on a future write.
type Store struct {
	db             *sql.DB
	maxKeyLength   int
	maxValueLength int
}

// Open creates or opens the store.db file at path and ensures its
// schema exists, with the key/value length caps at their documented
// defaults. Use OpenWithLimits to apply operator-configured overrides
// (security.max_key_length, security.max_value_length).
func Open(path string) (*Store, error) {
	return OpenWithLimits(path, DefaultMaxKeyLength, DefaultMaxValueLength)
}

// OpenWithLimits is Open with explicit key/value length caps. A
// non-positive value falls back to its documented default.
func OpenWithLimits(path string, maxKeyLength, maxValueLength int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1) // sqlite: serialize writers at the driver boundary

	const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key       TEXT PRIMARY KEY,
	value     TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	deleted   INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "create schema", Err: err}
	}

	if maxKeyLength <= 0 {
		maxKeyLength = DefaultMaxKeyLength
	}
	if maxValueLength <= 0 {
		maxValueLength = DefaultMaxValueLength
	}
	return &Store{db: db, maxKeyLength: maxKeyLength, maxValueLength: maxValueLength}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var keyControlOrTraversal = regexp.MustCompile(`\.\.|[/\\]`)

// validateRecord enforces the key/value invariants shared by local and
// remote writes: non-empty key up to s.maxKeyLength characters with no
// control characters or path-traversal sequences, and a value up to
// s.maxValueLength characters. The caps come from Open/OpenWithLimits
// (security.max_key_length / security.max_value_length).
func (s *Store) validateRecord(key, value string) error {
	if key == "" {
		return &ValidationError{Reason: "key must not be empty"}
	}
	if len([]rune(key)) > s.maxKeyLength {
		return &ValidationError{Reason: "key exceeds maximum length"}
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return &ValidationError{Reason: "key contains a control character"}
		}
	}
	if keyControlOrTraversal.MatchString(key) {
		return &ValidationError{Reason: "key contains a path-traversal sequence"}
	}
	if len([]rune(value)) > s.maxValueLength {
		return &ValidationError{Reason: "value exceeds maximum length"}
	}
	return nil
}

func (s *Store) validateKeyOnly(key string) error {
	if key == "" || len([]rune(key)) > s.maxKeyLength {
		return &ValidationError{Reason: "key invalid for delete"}
	}
	return nil
}

// PutLocal validates key/value, assigns timestamp = now, and
// unconditionally overwrites the record. The returned Record is ready
// for publishing to the sync overlay.
func (s *Store) PutLocal(ctx context.Context, key, value string) (Record, error) {
	if err := s.validateRecord(key, value); err != nil {
		return Record{}, err
	}
	rec := Record{Key: key, Value: value, Timestamp: time.Now().UnixNano(), Deleted: false}
	if err := s.upsert(ctx, rec); err != nil {
		return Record{}, &StorageError{Op: "put_local", Err: err}
	}
	return rec, nil
}

// DeleteLocal soft-deletes key: timestamp = now, deleted = true.
func (s *Store) DeleteLocal(ctx context.Context, key string) (Record, error) {
	if err := s.validateKeyOnly(key); err != nil {
		return Record{}, err
	}
	rec := Record{Key: key, Value: "", Timestamp: time.Now().UnixNano(), Deleted: true}
	if err := s.upsert(ctx, rec); err != nil {
		return Record{}, &StorageError{Op: "delete_local", Err: err}
	}
	return rec, nil
}

// PutRemote applies an incoming Put under the LWW rule: apply iff no
// record exists, or the incoming timestamp is greater, or timestamps
// are equal and the incoming value is lexicographically greater (the
// deterministic tie-break). Otherwise the write is rejected silently.
func (s *Store) PutRemote(ctx context.Context, key, value string, timestamp int64) (Outcome, error) {
	if err := s.validateRecord(key, value); err != nil {
		return Rejected, err
	}
	return s.applyRemote(ctx, Record{Key: key, Value: value, Timestamp: timestamp, Deleted: false})
}

// DeleteRemote applies an incoming Delete under the same LWW rule; a
// tombstone wins over a put at an equal timestamp. Its empty value
// would sort lowest under the value tie-break, so applyRemote checks
// the Deleted flag first and resolves that tie in the tombstone's favor.
func (s *Store) DeleteRemote(ctx context.Context, key string, timestamp int64) (Outcome, error) {
	if err := s.validateKeyOnly(key); err != nil {
		return Rejected, err
	}
	return s.applyRemote(ctx, Record{Key: key, Value: "", Timestamp: timestamp, Deleted: true})
}

func (s *Store) applyRemote(ctx context.Context, incoming Record) (Outcome, error) {
	existing, ok, err := s.lookup(ctx, incoming.Key)
	if err != nil {
		return Rejected, &StorageError{Op: "lookup", Err: err}
	}

	if ok {
		wins := incoming.Timestamp > existing.Timestamp
		if incoming.Timestamp == existing.Timestamp {
			if incoming.Deleted && !existing.Deleted {
				wins = true
			} else if incoming.Deleted == existing.Deleted && incoming.Value > existing.Value {
				wins = true
			}
		}
		if !wins {
			return Rejected, nil
		}
	}

	if err := s.upsert(ctx, incoming); err != nil {
		return Rejected, &StorageError{Op: "apply_remote", Err: err}
	}
	return Applied, nil
}

func (s *Store) upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_store (key, value, timestamp, deleted) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, timestamp = excluded.timestamp, deleted = excluded.deleted`,
		rec.Key, rec.Value, rec.Timestamp, boolToInt(rec.Deleted))
	return err
}

func (s *Store) lookup(ctx context.Context, key string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, value, timestamp, deleted FROM kv_store WHERE key = ?`, key)
	var rec Record
	var deleted int
	if err := row.Scan(&rec.Key, &rec.Value, &rec.Timestamp, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec.Deleted = deleted != 0
	return rec, true, nil
}

// Get returns the value for key, if a non-deleted record exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	rec, ok, err := s.lookup(ctx, key)
	if err != nil {
		return "", false, &StorageError{Op: "get", Err: err}
	}
	if !ok || rec.Deleted {
		return "", false, nil
	}
	return rec.Value, true, nil
}

// List returns every non-deleted record, in unspecified order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, timestamp, deleted FROM kv_store WHERE deleted = 0`)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var deleted int
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Timestamp, &deleted); err != nil {
			return nil, &StorageError{Op: "list scan", Err: err}
		}
		rec.Deleted = deleted != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list rows", Err: err}
	}
	return out, nil
}

// Sweep physically removes tombstones whose timestamp is older than
// now - maxAge, returning the count of rows removed.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE deleted = 1 AND timestamp < ?`, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "sweep", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "sweep rows affected", Err: err}
	}
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
