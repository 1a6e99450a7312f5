package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrSnakeDoc/tend/internal/census"
	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/spec"
	"github.com/MrSnakeDoc/tend/internal/status"
)

type recordingTicker struct {
	mu    sync.Mutex
	snaps []*census.Snapshot
}

func (r *recordingTicker) Tick(_ context.Context, snap *census.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recordingTicker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recordingTicker) last() *census.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

type failingProvider struct {
	census.Provider
	fail bool
}

func (f *failingProvider) Changed(ctx context.Context) (bool, error) {
	if f.fail {
		return false, errors.New("connection refused")
	}
	return f.Provider.Changed(ctx)
}

func (f *failingProvider) Snapshot(ctx context.Context) (*census.Snapshot, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.Provider.Snapshot(ctx)
}

func TestTickLoopReusesSnapshotUntilChanged(t *testing.T) {
	mem := census.NewMemory()
	target := &recordingTicker{}
	tl := NewTickLoop(mem, target, logger.New("error", false), time.Hour, nil)
	ctx := context.Background()

	if err := tl.RunOnce(ctx, true); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	first := target.last()

	if err := tl.RunOnce(ctx, false); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if target.last() != first {
		t.Error("an unchanged census should reuse the snapshot")
	}

	mem.UpsertMember(census.Member{ID: "m1", ServiceGroup: "web.default", Alive: true})
	if err := tl.RunOnce(ctx, false); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if target.last() == first {
		t.Error("a changed census should produce a new snapshot")
	}
	if _, ok := target.last().Group("web.default"); !ok {
		t.Error("new snapshot misses the new group")
	}
	if target.count() != 3 {
		t.Errorf("expected 3 ticks, got %d", target.count())
	}
}

func TestTickLoopCensusDown(t *testing.T) {
	provider := &failingProvider{Provider: census.NewMemory(), fail: true}
	target := &recordingTicker{}
	tl := NewTickLoop(provider, target, logger.New("error", false), time.Hour, nil)
	ctx := context.Background()

	if err := tl.RunOnce(ctx, true); err == nil {
		t.Fatal("expected an error without any snapshot")
	}
	if target.count() != 0 {
		t.Fatal("nothing should tick without a snapshot")
	}

	provider.fail = false
	if err := tl.RunOnce(ctx, true); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	provider.fail = true
	if err := tl.RunOnce(ctx, true); err != nil {
		t.Fatalf("the last snapshot should be reused, got %v", err)
	}
	if target.count() != 2 {
		t.Errorf("expected 2 ticks, got %d", target.count())
	}
}

func TestTickLoopManualTrigger(t *testing.T) {
	trigger := make(chan struct{}, 1)
	target := &recordingTicker{}
	tl := NewTickLoop(census.NewMemory(), target, logger.New("error", false), time.Hour, trigger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tl.Stop()

	trigger <- struct{}{}
	notify(tl.FileTrigger())

	deadline := time.Now().Add(2 * time.Second)
	for target.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 ticks, got %d", target.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type recordingSyncer struct {
	specs map[string]*spec.Spec
	calls int
}

func (r *recordingSyncer) Sync(_ context.Context, specs map[string]*spec.Spec) error {
	r.specs = specs
	r.calls++
	return nil
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestSpecWatcherReload(t *testing.T) {
	dir := t.TempDir()
	target := &recordingSyncer{}
	sw := NewSpecWatcher(spec.NewLoader(dir), "/pkgs", target, logger.New("error", false), time.Hour)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "web.yaml"), "ident: core/web\npackage:\n  path: core/web\n")
	writeFile(t, filepath.Join(dir, "db.yaml"), "ident: core/db\npackage:\n  path: /opt/db\n")

	if err := sw.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if len(target.specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(target.specs))
	}
	if got := target.specs["web"].Package.Path; got != "/pkgs/core/web" {
		t.Errorf("relative package path resolved to %q", got)
	}
	if got := target.specs["db"].Package.Path; got != "/opt/db" {
		t.Errorf("absolute package path changed to %q", got)
	}

	// A broken file must not unload anything.
	writeFile(t, filepath.Join(dir, "db.yaml"), "ident: [broken\n")
	if err := sw.Reload(ctx); err == nil {
		t.Error("expected the broken spec to be reported")
	}
	if _, ok := target.specs["db"]; !ok {
		t.Error("a broken spec file should keep its service loaded")
	}

	if err := os.Remove(filepath.Join(dir, "db.yaml")); err != nil {
		t.Fatal(err)
	}
	if err := sw.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, ok := target.specs["db"]; ok {
		t.Error("a removed spec file should unload its service")
	}
	if target.calls != 3 {
		t.Errorf("expected 3 syncs, got %d", target.calls)
	}
}

type memoryStatusStore struct {
	mu      sync.Mutex
	records map[string]status.Service
	purged  string
}

func (m *memoryStatusStore) SaveMany(_ context.Context, services []status.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range services {
		m.records[s.ServiceGroup+":"+s.MemberID] = s
	}
	return nil
}

func (m *memoryStatusStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memoryStatusStore) Purge(_ context.Context, memberID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged = memberID
	n := len(m.records)
	m.records = map[string]status.Service{}
	return n, nil
}

func TestStatusSyncer(t *testing.T) {
	store := &memoryStatusStore{records: map[string]status.Service{}}
	reg := status.NewRegistry()
	reg.Update(status.Service{Service: "web", ServiceGroup: "web.default", State: "running"})
	reg.Update(status.Service{Service: "db", ServiceGroup: "db.default", State: "running"})

	ss := NewStatusSyncer(store, reg, "m1", logger.New("error", false), time.Hour)
	ctx := context.Background()

	if err := ss.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got, ok := store.records["web.default:m1"]; !ok || got.MemberID != "m1" {
		t.Errorf("web record = %+v, %v", got, ok)
	}

	reg.Remove("db")
	if err := ss.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if _, ok := store.records["db.default:m1"]; ok {
		t.Error("record of an unloaded service should be deleted")
	}
	if len(store.records) != 1 {
		t.Errorf("expected 1 record, got %d", len(store.records))
	}

	if err := ss.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if store.purged != "m1" || len(store.records) != 0 {
		t.Errorf("Clear() purged %q, %d left", store.purged, len(store.records))
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("no signal for %s", what)
	}
}

func TestDirWatcher(t *testing.T) {
	root := t.TempDir()
	dw, err := NewDirWatcher(logger.New("error", false))
	if err != nil {
		t.Fatalf("NewDirWatcher() error = %v", err)
	}
	defer func() { _ = dw.Close() }()

	trigger := make(chan struct{}, 1)
	if err := dw.Add(root, trigger); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := dw.Add(filepath.Join(root, "missing"), trigger); err != nil {
		t.Fatalf("Add() of a missing dir should be skipped, got %v", err)
	}

	sub := filepath.Join(root, "web")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, trigger, "new directory")

	// Give the watcher time to pick up the new directory.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := dw.route(filepath.Join(sub, "x")); ok {
			dw.mu.Lock()
			_, watched := dw.routes[sub]
			dw.mu.Unlock()
			if watched {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("new directory was not watched")
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-trigger:
	default:
	}

	writeFile(t, filepath.Join(sub, "user.toml"), "port = 1\n")
	waitSignal(t, trigger, "file in new directory")
}
