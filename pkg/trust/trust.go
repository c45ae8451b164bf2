// Package trust implements the persistent whitelist and one-hop
// transitive trust chain that gates which peers' messages are
// admitted into the store.
package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is a single whitelist record.
type Entry struct {
	PeerID              string
	Name                string
	PublicKey           []byte // raw key bytes, nil if unknown
	AddedAt             time.Time
	ExpiresAt           *time.Time // nil means never expires
	RecommendedBy       map[string]struct{}
	RecommendationCount int
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// DB is the persistent trust database. Its table is opened from
// store.db's sibling whitelist table; the full set is cached in memory
// and rebuilt by Reload or after every write, since the event loop is
// its only mutator and the working set is small.
type DB struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*Entry
}

// Open creates or opens the whitelist table at path (typically the
// same store.db file used by the kv store) and loads the cache.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trust: open: %w", err)
	}
	sqldb.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS whitelist (
	peer_id              TEXT PRIMARY KEY,
	name                 TEXT,
	public_key           BLOB,
	added_at             INTEGER NOT NULL,
	expires_at           INTEGER,
	recommended_by       TEXT NOT NULL DEFAULT '',
	recommendation_count INTEGER NOT NULL DEFAULT 0
);`
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("trust: create schema: %w", err)
	}

	t := &DB{db: sqldb, cache: make(map[string]*Entry)}
	if err := t.Reload(context.Background()); err != nil {
		sqldb.Close()
		return nil, err
	}
	return t, nil
}

// Close releases the underlying database handle.
func (t *DB) Close() error { return t.db.Close() }

// Reload rebuilds the in-memory cache from the persistent table.
func (t *DB) Reload(ctx context.Context) error {
	rows, err := t.db.QueryContext(ctx, `SELECT peer_id, name, public_key, added_at, expires_at, recommended_by, recommendation_count FROM whitelist`)
	if err != nil {
		return fmt.Errorf("trust: reload: %w", err)
	}
	defer rows.Close()

	cache := make(map[string]*Entry)
	for rows.Next() {
		var (
			peerID, name, recBy string
			pubKey              []byte
			addedAt             int64
			expiresAt           sql.NullInt64
			recCount            int
		)
		if err := rows.Scan(&peerID, &name, &pubKey, &addedAt, &expiresAt, &recBy, &recCount); err != nil {
			return fmt.Errorf("trust: reload scan: %w", err)
		}
		e := &Entry{
			PeerID:              peerID,
			Name:                name,
			PublicKey:           pubKey,
			AddedAt:             time.Unix(0, addedAt),
			RecommendedBy:       splitSet(recBy),
			RecommendationCount: recCount,
		}
		if expiresAt.Valid {
			exp := time.Unix(0, expiresAt.Int64)
			e.ExpiresAt = &exp
		}
		cache[peerID] = e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("trust: reload rows: %w", err)
	}

	t.mu.Lock()
	t.cache = cache
	t.mu.Unlock()
	return nil
}

// IsAdmitted implements the three-step admission rule: an expired or
// absent entry is never admitted; a present, unexpired entry with a
// known public key is fully trusted; a present entry without a key is
// transitively trusted if some directly-trusted, unexpired peer
// appears in its recommended_by set (messages are still subject to
// signature verification once a key is located).
func (t *DB) IsAdmitted(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isAdmittedLocked(peerID, time.Now())
}

func (t *DB) isAdmittedLocked(peerID string, now time.Time) bool {
	e, ok := t.cache[peerID]
	if !ok || e.expired(now) {
		return false
	}
	if len(e.PublicKey) > 0 {
		return true
	}
	for recommender := range e.RecommendedBy {
		if r, ok := t.cache[recommender]; ok && !r.expired(now) {
			return true
		}
	}
	return false
}

// Lookup returns a copy of the cached entry for peerID, if any.
func (t *DB) Lookup(peerID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.cache[peerID]
	if !ok {
		return Entry{}, false
	}
	return *cloneEntry(e), true
}

// List returns every cached entry, sorted by peer id for stable output.
func (t *DB) List() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.cache))
	for _, e := range t.cache {
		out = append(out, *cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Add inserts or replaces a directly-trusted whitelist entry. This is
// operator action only — never called from a message handler.
func (t *DB) Add(ctx context.Context, peerID, name string, publicKey []byte, expiresAt *time.Time) error {
	if peerID == "" {
		return errors.New("trust: peer id must not be empty")
	}
	e := &Entry{
		PeerID:        peerID,
		Name:          name,
		PublicKey:     publicKey,
		AddedAt:       time.Now(),
		ExpiresAt:     expiresAt,
		RecommendedBy: map[string]struct{}{},
	}
	if existing, ok := t.Lookup(peerID); ok {
		e.RecommendedBy = existing.RecommendedBy
		e.RecommendationCount = existing.RecommendationCount
		if len(publicKey) == 0 {
			e.PublicKey = existing.PublicKey
		}
	}
	if err := t.persist(ctx, e); err != nil {
		return err
	}
	return t.Reload(ctx)
}

// SetPublicKey attaches a public key to an existing entry, used by the
// KeyResponse/KeyAnnouncement handlers once a key is located for a
// peer that already has a whitelist entry.
func (t *DB) SetPublicKey(ctx context.Context, peerID string, publicKey []byte) error {
	e, ok := t.Lookup(peerID)
	if !ok {
		return fmt.Errorf("trust: no entry for %s", peerID)
	}
	e.PublicKey = publicKey
	if err := t.persist(ctx, &e); err != nil {
		return err
	}
	return t.Reload(ctx)
}

// Remove deletes a whitelist entry. Operator action only.
func (t *DB) Remove(ctx context.Context, peerID string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM whitelist WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("trust: remove: %w", err)
	}
	return t.Reload(ctx)
}

// ErrSelfRecommendation is returned when a peer attempts to vouch for itself.
var ErrSelfRecommendation = errors.New("trust: a peer cannot recommend itself")

// ErrRecommenderNotTrusted is returned when the recommender is not
// directly trusted at the time the recommendation arrives.
var ErrRecommenderNotTrusted = errors.New("trust: recommender is not directly trusted")

// AddRecommendation implements the recommendation rule: reject
// self-recommendation; reject an untrusted recommender; create a
// minimal entry for a never-seen recommended peer; insert the
// recommender into recommended_by, incrementing recommendation_count
// only on the first insertion from that recommender.
func (t *DB) AddRecommendation(ctx context.Context, recommender, recommended, name string) error {
	if recommender == recommended {
		return ErrSelfRecommendation
	}

	t.mu.RLock()
	rEntry, rOK := t.cache[recommender]
	directlyTrusted := rOK && len(rEntry.PublicKey) > 0 && !rEntry.expired(time.Now())
	existing, exists := t.cache[recommended]
	t.mu.RUnlock()

	if !directlyTrusted {
		return ErrRecommenderNotTrusted
	}

	var e *Entry
	if exists {
		e = cloneEntry(existing)
	} else {
		e = &Entry{PeerID: recommended, Name: name, AddedAt: time.Now(), RecommendedBy: map[string]struct{}{}}
	}
	if _, already := e.RecommendedBy[recommender]; !already {
		e.RecommendedBy[recommender] = struct{}{}
		e.RecommendationCount++
	}
	if err := t.persist(ctx, e); err != nil {
		return err
	}
	return t.Reload(ctx)
}

func (t *DB) persist(ctx context.Context, e *Entry) error {
	var expiresAt sql.NullInt64
	if e.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: e.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err := t.db.ExecContext(ctx, `
INSERT INTO whitelist (peer_id, name, public_key, added_at, expires_at, recommended_by, recommendation_count)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(peer_id) DO UPDATE SET
	name = excluded.name,
	public_key = excluded.public_key,
	expires_at = excluded.expires_at,
	recommended_by = excluded.recommended_by,
	recommendation_count = excluded.recommendation_count`,
		e.PeerID, e.Name, e.PublicKey, e.AddedAt.UnixNano(), expiresAt, joinSet(e.RecommendedBy), e.RecommendationCount)
	if err != nil {
		return fmt.Errorf("trust: persist: %w", err)
	}
	return nil
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.RecommendedBy = make(map[string]struct{}, len(e.RecommendedBy))
	for k := range e.RecommendedBy {
		cp.RecommendedBy[k] = struct{}{}
	}
	if e.PublicKey != nil {
		cp.PublicKey = append([]byte(nil), e.PublicKey...)
	}
	return &cp
}

func joinSet(set map[string]struct{}) string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func splitSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	if s == "" {
		return out
	}
	for _, id := range strings.Split(s, ",") {
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}
