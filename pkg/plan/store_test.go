package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := SaveFile(path, samplePlan()); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	store, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return store
}

func TestStore_LoadMissingFile(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "plan.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	err = store.Load(context.Background())
	if !engine.IsConfigError(err) || !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND config error, got %v", err)
	}

	if _, _, err := store.Acquire(context.Background()); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Acquire() on missing plan: expected NOT_FOUND, got %v", err)
	}
}

func TestStore_UnsupportedExtension(t *testing.T) {
	if _, err := NewStore("plan.toml", zerolog.Nop()); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestStore_SetPersists(t *testing.T) {
	store := newTestStore(t, "plan.yaml")
	ctx := context.Background()

	updated, err := store.Set(ctx, "services.api.image", "ghcr.io/acme/api:2.0.0")
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if updated.Services[0].Image != "ghcr.io/acme/api:2.0.0" {
		t.Errorf("returned plan image = %s", updated.Services[0].Image)
	}

	onDisk, err := LoadFile(store.Path())
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if onDisk.Services[0].Image != "ghcr.io/acme/api:2.0.0" {
		t.Errorf("persisted image = %s", onDisk.Services[0].Image)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Services[0].Image != "ghcr.io/acme/api:2.0.0" {
		t.Errorf("in-memory image = %s", snap.Services[0].Image)
	}
}

func TestStore_InvalidUpdateRejected(t *testing.T) {
	store := newTestStore(t, "plan.json")
	ctx := context.Background()

	before, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	_, err = store.Update(ctx, func(p *engine.Plan) error {
		p.Version = "2.0.0"
		return nil
	})
	if !engine.HasCode(err, engine.ErrCodeSchemaInvalid) {
		t.Fatalf("expected SCHEMA_INVALID, got %v", err)
	}

	after, _ := os.ReadFile(store.Path())
	if string(before) != string(after) {
		t.Error("invalid update changed the file on disk")
	}
	snap, _ := store.Snapshot(ctx)
	if snap.Version != "1.0.0" {
		t.Errorf("in-memory version = %s, want 1.0.0", snap.Version)
	}
}

func TestStore_SnapshotIsPrivate(t *testing.T) {
	store := newTestStore(t, "plan.json")
	ctx := context.Background()

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	snap.Services[0].Image = "mutated"

	again, _ := store.Snapshot(ctx)
	if again.Services[0].Image == "mutated" {
		t.Error("Snapshot() shares state with the store")
	}
}

func TestStore_UpdateWaitsForAcquire(t *testing.T) {
	store := newTestStore(t, "plan.json")
	ctx := context.Background()

	p, release, err := store.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := store.Set(ctx, "selfHealing.maxAutoFixesPerRun", float64(7))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Update completed while a cycle held the plan")
	case <-time.After(100 * time.Millisecond):
	}
	if p.SelfHealing.MaxAutoFixesPerRun != 3 {
		t.Errorf("plan changed under an active reader: %d", p.SelfHealing.MaxAutoFixesPerRun)
	}

	release()
	release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Update did not complete after release")
	}

	snap, _ := store.Snapshot(ctx)
	if snap.SelfHealing.MaxAutoFixesPerRun != 7 {
		t.Errorf("maxAutoFixesPerRun = %d, want 7", snap.SelfHealing.MaxAutoFixesPerRun)
	}
}

func TestStore_Watch(t *testing.T) {
	store := newTestStore(t, "plan.json")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *engine.Plan, 4)
	if err := store.Watch(ctx, func(p *engine.Plan) { changes <- p }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	edited := samplePlan()
	edited.SelfHealing.MaxAutoFixesPerRun = 9
	if err := SaveFile(store.Path(), edited); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}

	select {
	case p := <-changes:
		if p.SelfHealing.MaxAutoFixesPerRun != 9 {
			t.Errorf("reloaded maxAutoFixesPerRun = %d, want 9", p.SelfHealing.MaxAutoFixesPerRun)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for plan reload")
	}

	if err := os.WriteFile(store.Path(), []byte(`{"version": "1.0.0", "bogus": true}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-changes:
		t.Error("invalid edit should not be delivered")
	case <-time.After(700 * time.Millisecond):
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.SelfHealing.MaxAutoFixesPerRun != 9 {
		t.Errorf("invalid edit replaced the plan: maxAutoFixesPerRun = %d", snap.SelfHealing.MaxAutoFixesPerRun)
	}
}
