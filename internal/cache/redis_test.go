package cache

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRefreshedEntryPersistsLastAccess(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{
		Value:          []byte("v"),
		CreatedAt:      t0,
		AbsoluteExpiry: t0.Add(5 * time.Minute),
		LastAccess:     t0,
		SlidingTTL:     2 * time.Minute,
	}

	// A hit at t0+90s writes the entry back with the new last-access time,
	// the way Get persists a sliding refresh.
	now := t0.Add(90 * time.Second)
	e.LastAccess = now
	raw, ttl, err := encodeEntry(e, now)
	if err != nil {
		t.Fatalf("encodeEntry() error = %v", err)
	}

	var stored Entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatal(err)
	}
	if !stored.LastAccess.Equal(now) {
		t.Fatalf("stored last-access = %v, want refreshed to %v", stored.LastAccess, now)
	}

	// The hit keeps the entry live past the original sliding deadline.
	if !stored.Live(t0.Add(150 * time.Second)) {
		t.Fatal("entry expired at 150s despite the hit at 90s")
	}
	if stored.Live(t0.Add(211 * time.Second)) {
		t.Fatal("entry live past the refreshed sliding deadline")
	}

	// Server-side lifetime matches the sliding deadline: t0+90s+2m.
	if ttl != 2*time.Minute {
		t.Fatalf("ttl = %v, want 2m", ttl)
	}
}

func TestEncodeEntryCappedByAbsoluteCeiling(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{
		Value:          []byte("v"),
		CreatedAt:      t0,
		AbsoluteExpiry: t0.Add(5 * time.Minute),
		LastAccess:     t0.Add(4 * time.Minute),
		SlidingTTL:     2 * time.Minute,
	}

	// Sliding would reach t0+6m; the ceiling at t0+5m wins.
	_, ttl, err := encodeEntry(e, t0.Add(4*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if ttl != time.Minute {
		t.Fatalf("ttl = %v, want the 1m left to the absolute ceiling", ttl)
	}
}
