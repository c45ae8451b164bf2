package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutLocalThenGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.PutLocal(ctx, "x", "a"); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}
	got, ok, err := s.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got != "a" {
		t.Fatalf("Get(x) = (%q, %v), want (a, true)", got, ok)
	}
}

func TestPutLocalRejectsInvalidKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cases := []string{"", "../etc/passwd", "a/b"}
	for _, k := range cases {
		if _, err := s.PutLocal(ctx, k, "v"); err == nil {
			t.Errorf("PutLocal(%q) should have failed validation", k)
		}
	}
}

func TestTwoPeerLWW(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	b := openTestStore(t)

	if _, err := a.PutRemote(ctx, "x", "a", 1); err != nil {
		t.Fatalf("a.PutRemote: %v", err)
	}
	if _, err := b.PutRemote(ctx, "x", "b", 2); err != nil {
		t.Fatalf("b.PutRemote: %v", err)
	}

	// Exchange: each applies the other's write.
	if _, err := a.PutRemote(ctx, "x", "b", 2); err != nil {
		t.Fatalf("a.PutRemote(exchange): %v", err)
	}
	if _, err := b.PutRemote(ctx, "x", "a", 1); err != nil {
		t.Fatalf("b.PutRemote(exchange): %v", err)
	}

	av, _, _ := a.Get(ctx, "x")
	bv, _, _ := b.Get(ctx, "x")
	if av != "b" || bv != "b" {
		t.Fatalf("expected both peers to converge on \"b\", got a=%q b=%q", av, bv)
	}
}

func TestEqualTimestampTieBreak(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.PutRemote(ctx, "y", "m", 5); err != nil {
		t.Fatalf("PutRemote m: %v", err)
	}
	outcome, err := s.PutRemote(ctx, "y", "n", 5)
	if err != nil {
		t.Fatalf("PutRemote n: %v", err)
	}
	if outcome != Applied {
		t.Fatal("lexicographically greater value must win an equal-timestamp tie")
	}
	got, _, _ := s.Get(ctx, "y")
	if got != "n" {
		t.Fatalf("Get(y) = %q, want n", got)
	}

	// Reverse order: applying the lexicographically smaller value second
	// must be rejected.
	s2 := openTestStore(t)
	if _, err := s2.PutRemote(ctx, "y", "n", 5); err != nil {
		t.Fatalf("PutRemote n: %v", err)
	}
	outcome2, err := s2.PutRemote(ctx, "y", "m", 5)
	if err != nil {
		t.Fatalf("PutRemote m: %v", err)
	}
	if outcome2 != Rejected {
		t.Fatal("lexicographically smaller value must lose an equal-timestamp tie")
	}
}

func TestDeletePrecedenceAtEqualTimestamp(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.PutRemote(ctx, "z", "p", 1); err != nil {
		t.Fatalf("PutRemote: %v", err)
	}
	if _, err := s.DeleteRemote(ctx, "z", 1); err != nil {
		t.Fatalf("DeleteRemote: %v", err)
	}

	_, ok, err := s.Get(ctx, "z")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("tombstone must win over a put at the same timestamp")
	}
}

func TestApplyingSamePutTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.PutRemote(ctx, "k", "v", 10)
	if err != nil || first != Applied {
		t.Fatalf("first PutRemote: outcome=%v err=%v", first, err)
	}
	second, err := s.PutRemote(ctx, "k", "v", 10)
	if err != nil {
		t.Fatalf("second PutRemote: %v", err)
	}
	if second != Rejected {
		t.Fatal("re-applying an identical timestamp/value must not re-apply (rejected, not erroring)")
	}
	got, ok, _ := s.Get(ctx, "k")
	if !ok || got != "v" {
		t.Fatalf("Get(k) = (%q, %v), want (v, true)", got, ok)
	}
}

func TestSweepRemovesOldTombstonesOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := time.Now().Add(-40 * 24 * time.Hour).UnixNano()
	recent := time.Now().UnixNano()

	if _, err := s.DeleteRemote(ctx, "old-tomb", old); err != nil {
		t.Fatalf("DeleteRemote old: %v", err)
	}
	if _, err := s.DeleteRemote(ctx, "recent-tomb", recent); err != nil {
		t.Fatalf("DeleteRemote recent: %v", err)
	}
	if _, err := s.PutRemote(ctx, "live", "v", recent); err != nil {
		t.Fatalf("PutRemote live: %v", err)
	}

	n, err := s.Sweep(ctx, DefaultSweepAge)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep removed %d rows, want 1", n)
	}

	if _, ok, _ := s.lookup(ctx, "old-tomb"); ok {
		t.Fatal("old tombstone should have been swept")
	}
	if _, ok, _ := s.lookup(ctx, "recent-tomb"); !ok {
		t.Fatal("recent tombstone should survive the sweep")
	}
}

func TestListExcludesDeleted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.PutLocal(ctx, "a", "1"); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}
	if _, err := s.PutLocal(ctx, "b", "2"); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}
	if _, err := s.DeleteLocal(ctx, "b"); err != nil {
		t.Fatalf("DeleteLocal: %v", err)
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].Key != "a" {
		t.Fatalf("List() = %+v, want only key \"a\"", records)
	}
}
