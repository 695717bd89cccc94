package state

import (
	"context"
	"reflect"
	"testing"
)

func TestProcessedKeysRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	loaded, err := store.LoadProcessedKeys(ctx)
	if err != nil {
		t.Fatalf("load empty keys: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("keys = %v, want empty before first save", loaded)
	}

	want := []string{"telegram:1", "discord:2", "telegram:3"}
	if err := store.SaveProcessedKeys(ctx, want); err != nil {
		t.Fatalf("save keys: %v", err)
	}
	loaded, err = store.LoadProcessedKeys(ctx)
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if !reflect.DeepEqual(loaded, want) {
		t.Errorf("keys = %v, want %v in insertion order", loaded, want)
	}

	// Saving replaces the set, it does not accumulate.
	want = []string{"telegram:3", "telegram:4"}
	if err := store.SaveProcessedKeys(ctx, want); err != nil {
		t.Fatalf("re-save keys: %v", err)
	}
	loaded, err = store.LoadProcessedKeys(ctx)
	if err != nil {
		t.Fatalf("reload keys: %v", err)
	}
	if !reflect.DeepEqual(loaded, want) {
		t.Errorf("keys = %v, want replaced set %v", loaded, want)
	}
}

type snapshotDoc struct {
	HealthState   string `json:"health_state"`
	FailureStreak int    `json:"failure_streak"`
}

func TestHealthSnapshotRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	var out snapshotDoc
	found, err := store.LoadHealthSnapshot(ctx, &out)
	if err != nil {
		t.Fatalf("load absent snapshot: %v", err)
	}
	if found {
		t.Fatal("found = true, want false before first save")
	}

	if err := store.SaveHealthSnapshot(ctx, snapshotDoc{HealthState: "Degraded", FailureStreak: 2}, 1000); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	// Upsert keeps a single row.
	if err := store.SaveHealthSnapshot(ctx, snapshotDoc{HealthState: "Failing", FailureStreak: 3}, 2000); err != nil {
		t.Fatalf("re-save snapshot: %v", err)
	}

	found, err = store.LoadHealthSnapshot(ctx, &out)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !found {
		t.Fatal("found = false, want saved snapshot")
	}
	if out.HealthState != "Failing" || out.FailureStreak != 3 {
		t.Errorf("snapshot = %+v, want latest upsert", out)
	}
}

func TestOpenReopens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	if err := store.SaveProcessedKeys(ctx, []string{"telegram:1"}); err != nil {
		t.Fatalf("save keys: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close state: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen state: %v", err)
	}
	defer reopened.Close()
	keys, err := reopened.LoadProcessedKeys(ctx)
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "telegram:1" {
		t.Errorf("keys = %v, want persisted across reopen", keys)
	}
}
