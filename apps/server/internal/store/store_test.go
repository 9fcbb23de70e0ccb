package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"stagehand/staging"
)

var baseGameTime = time.Date(1372, 3, 14, 9, 0, 0, 0, time.UTC)

type storeFactory struct {
	name string
	open func(t *testing.T) staging.Store
}

func storeFactories() []storeFactory {
	factories := []storeFactory{
		{name: "memory", open: func(*testing.T) staging.Store { return NewMemoryStore() }},
		{name: "sqlite", open: func(t *testing.T) staging.Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "staging.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore err: %v", err)
			}
			return s
		}},
	}
	if dsn := os.Getenv("STAGING_TEST_POSTGRES_DSN"); dsn != "" {
		factories = append(factories, storeFactory{name: "postgres", open: func(t *testing.T) staging.Store {
			s, err := NewPostgresStore(dsn)
			if err != nil {
				t.Fatalf("NewPostgresStore err: %v", err)
			}
			return s
		}})
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s staging.Store)) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func newStaging(id, region string, approvedAt time.Time) *staging.Staging {
	return &staging.Staging{
		ID:         id,
		RegionID:   region,
		LocationID: "town",
		WorldID:    "w1",
		NPCs: []staging.StagedNPC{
			{CharacterID: "toblen", Name: "Toblen Stonehill", Mood: "cheerful", IsPresent: true, Reasoning: "Works here"},
			{CharacterID: "spy", Name: "Redbrand Spy", IsPresent: true, IsHiddenFromPlayers: true, Reasoning: "Watching the party"},
			{CharacterID: "garaele", Name: "Sister Garaele", IsPresent: false, Reasoning: "At the shrine"},
		},
		GameTime:   baseGameTime,
		ApprovedAt: approvedAt,
		TTLHours:   3,
		ApprovedBy: "dm-1",
		Source:     staging.SourceDMCustomized,
		Guidance:   "make it tense",
		IsActive:   true,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s staging.Store) {
		ctx := context.Background()
		in := newStaging("s1", "tavern", time.UnixMilli(1_700_000_000_000).UTC())
		if err := s.Commit(ctx, in); err != nil {
			t.Fatalf("Commit err: %v", err)
		}

		got, err := s.Current(ctx, "tavern")
		if err != nil {
			t.Fatalf("Current err: %v", err)
		}
		if diff := cmp.Diff(in, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
		byID, err := s.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get err: %v", err)
		}
		if diff := cmp.Diff(in, byID); diff != "" {
			t.Fatalf("get mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStoreSingleActivePerRegion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s staging.Store) {
		ctx := context.Background()
		t0 := time.UnixMilli(1_700_000_000_000).UTC()
		for i, id := range []string{"a", "b", "c"} {
			if err := s.Commit(ctx, newStaging(id, "tavern", t0.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("Commit %s err: %v", id, err)
			}
		}
		if err := s.Commit(ctx, newStaging("other", "shrine", t0)); err != nil {
			t.Fatalf("Commit other err: %v", err)
		}

		history, err := s.History(ctx, "tavern", 10)
		if err != nil {
			t.Fatalf("History err: %v", err)
		}
		var ids []string
		active := 0
		for _, h := range history {
			ids = append(ids, h.ID)
			if h.IsActive {
				active++
			}
		}
		if diff := cmp.Diff([]string{"c", "b", "a"}, ids); diff != "" {
			t.Fatalf("history order mismatch (-want +got):\n%s", diff)
		}
		if active != 1 || !history[0].IsActive {
			t.Fatalf("expected only the newest staging active, got %d active", active)
		}
		if len(history[2].NPCs) != 3 {
			t.Fatalf("history entries should carry npcs: %+v", history[2])
		}

		limited, err := s.History(ctx, "tavern", 2)
		if err != nil || len(limited) != 2 {
			t.Fatalf("limit not applied: %v %d", err, len(limited))
		}

		other, err := s.Current(ctx, "shrine")
		if err != nil || other.ID != "other" || !other.IsActive {
			t.Fatalf("other region must be unaffected: %v %+v", err, other)
		}
	})
}

func TestStoreDeactivate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s staging.Store) {
		ctx := context.Background()
		if err := s.Deactivate(ctx, "tavern"); err != nil {
			t.Fatalf("Deactivate on empty region should be a no-op: %v", err)
		}
		if err := s.Commit(ctx, newStaging("s1", "tavern", time.UnixMilli(1_700_000_000_000).UTC())); err != nil {
			t.Fatalf("Commit err: %v", err)
		}
		if err := s.Deactivate(ctx, "tavern"); err != nil {
			t.Fatalf("Deactivate err: %v", err)
		}
		if _, err := s.Current(ctx, "tavern"); !errors.Is(err, staging.ErrNotFound) {
			t.Fatalf("expected not found after deactivate, got %v", err)
		}
		old, err := s.Get(ctx, "s1")
		if err != nil || old.IsActive {
			t.Fatalf("deactivated staging must remain in history, inactive: %v %+v", err, old)
		}

		if err := s.Commit(ctx, newStaging("s2", "tavern", time.UnixMilli(1_700_000_100_000).UTC())); err != nil {
			t.Fatalf("Commit after deactivate err: %v", err)
		}
		cur, err := s.Current(ctx, "tavern")
		if err != nil || cur.ID != "s2" {
			t.Fatalf("expected s2 current: %v %+v", err, cur)
		}
	})
}

func TestStoreNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s staging.Store) {
		ctx := context.Background()
		if _, err := s.Current(ctx, "nowhere"); !errors.Is(err, staging.ErrNotFound) {
			t.Fatalf("Current: expected not found, got %v", err)
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, staging.ErrNotFound) {
			t.Fatalf("Get: expected not found, got %v", err)
		}
		history, err := s.History(ctx, "nowhere", 5)
		if err != nil || len(history) != 0 {
			t.Fatalf("History on empty region: %v %+v", err, history)
		}
	})
}

func TestStoreRejectsDuplicateID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s staging.Store) {
		ctx := context.Background()
		t0 := time.UnixMilli(1_700_000_000_000).UTC()
		if err := s.Commit(ctx, newStaging("dup", "tavern", t0)); err != nil {
			t.Fatalf("Commit err: %v", err)
		}
		if err := s.Commit(ctx, newStaging("dup", "tavern", t0.Add(time.Minute))); err == nil {
			t.Fatalf("duplicate staging id should fail")
		}
		cur, err := s.Current(ctx, "tavern")
		if err != nil || cur.ID != "dup" || !cur.IsActive {
			t.Fatalf("failed commit must not disturb the current staging: %v %+v", err, cur)
		}
	})
}

func TestOpenModes(t *testing.T) {
	s, mode, err := Open("memory", "", "")
	if err != nil || mode != "memory" {
		t.Fatalf("Open memory: mode=%q err=%v", mode, err)
	}
	s.Close()

	s, mode, err = Open("local", filepath.Join(t.TempDir(), "x.db"), "")
	if err != nil || mode != "sqlite" {
		t.Fatalf("Open local: mode=%q err=%v", mode, err)
	}
	s.Close()

	if _, _, err := Open("cassandra", "", ""); err == nil {
		t.Fatalf("unknown mode should fail")
	}
}

func TestStoreHistoryTieKeepsInsertOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s staging.Store) {
		ctx := context.Background()
		t0 := time.UnixMilli(1_700_000_000_000).UTC()
		for _, id := range []string{"z", "a", "m"} {
			if err := s.Commit(ctx, newStaging(id, "tavern", t0)); err != nil {
				t.Fatalf("Commit %s err: %v", id, err)
			}
		}
		history, err := s.History(ctx, "tavern", 10)
		if err != nil {
			t.Fatalf("History err: %v", err)
		}
		var ids []string
		for _, h := range history {
			ids = append(ids, h.ID)
		}
		if diff := cmp.Diff([]string{"m", "a", "z"}, ids); diff != "" {
			t.Fatalf("same-instant history should be newest insert first (-want +got):\n%s", diff)
		}
	})
}
