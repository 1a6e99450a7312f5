package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/tend/internal/census"
	"github.com/MrSnakeDoc/tend/internal/hooks"
	"github.com/MrSnakeDoc/tend/internal/spec"
)

func TestManagerTickRestartsAndPublishes(t *testing.T) {
	h := newHarness(t, hooks.Run)
	mem := census.NewMemory()
	h.deps.Census = mem
	m := NewManager(h.opts, h.deps)
	ctx := context.Background()
	t.Cleanup(func() { _ = m.Shutdown(ctx) })

	require.NoError(t, m.Load(h.spec))
	require.Error(t, m.Load(h.spec), "loading twice is an error")

	snap, err := mem.Snapshot(ctx)
	require.NoError(t, err)
	m.Tick(ctx, snap)

	svc, ok := m.Get("web")
	require.True(t, ok)
	assert.Equal(t, Running, svc.State())

	snap, err = mem.Snapshot(ctx)
	require.NoError(t, err)
	g, ok := snap.Group("web.default")
	require.True(t, ok, "own member is published")
	me, ok := g.Member("m1")
	require.True(t, ok)
	assert.True(t, me.Alive)
	assert.Equal(t, int64(8080), me.Exports["port"])

	changed, err := mem.Changed(ctx)
	require.NoError(t, err)
	require.False(t, changed)
	m.Tick(ctx, snap)
	changed, err = mem.Changed(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "an unchanged member is not republished")

	h.launcher.crash()
	m.Tick(ctx, snap)
	assert.Equal(t, Running, svc.State(), "the pending restart happens in the same tick")
	starts, _ := h.launcher.counts()
	assert.Equal(t, 2, starts)
}

func TestManagerSync(t *testing.T) {
	h := newHarness(t, hooks.Run)
	m := NewManager(h.opts, h.deps)
	ctx := context.Background()
	t.Cleanup(func() { _ = m.Shutdown(ctx) })

	require.NoError(t, m.Sync(ctx, map[string]*spec.Spec{"web": h.spec}))
	assert.Equal(t, []string{"web"}, m.Names())
	m.Tick(ctx, census.NewSnapshot(1))
	first, _ := m.Get("web")

	require.NoError(t, m.Sync(ctx, map[string]*spec.Spec{"web": h.spec}))
	same, _ := m.Get("web")
	assert.Same(t, first, same, "an unchanged spec keeps its service")

	next := *h.spec
	next.Ident = "core/web/1.1.0"
	next.Version = "1.1.0"
	require.NoError(t, m.Sync(ctx, map[string]*spec.Spec{"web": &next}))
	reloaded, _ := m.Get("web")
	assert.NotSame(t, first, reloaded, "a new ident reloads the service")
	assert.Equal(t, Stopped, first.State())

	edited := next
	edited.HealthCheckInterval = 2 * time.Hour
	require.NoError(t, m.Sync(ctx, map[string]*spec.Spec{"web": &edited}))
	again, _ := m.Get("web")
	assert.NotSame(t, reloaded, again, "any spec edit reloads the service")

	moved := edited
	moved.File = "/elsewhere/web.yaml"
	require.NoError(t, m.Sync(ctx, map[string]*spec.Spec{"web": &moved}))
	kept, _ := m.Get("web")
	assert.Same(t, again, kept, "the spec file path alone does not reload")

	require.NoError(t, m.Sync(ctx, map[string]*spec.Spec{}))
	assert.Empty(t, m.Names())
	assert.Empty(t, h.registry.List())
}

func TestManagerUnloadWithdrawsMember(t *testing.T) {
	h := newHarness(t, hooks.Run)
	mem := census.NewMemory()
	h.deps.Census = mem
	m := NewManager(h.opts, h.deps)
	ctx := context.Background()

	require.NoError(t, m.Sync(ctx, map[string]*spec.Spec{"web": h.spec}))
	snap, err := mem.Snapshot(ctx)
	require.NoError(t, err)
	m.Tick(ctx, snap)

	snap, err = mem.Snapshot(ctx)
	require.NoError(t, err)
	g, ok := snap.Group("web.default")
	require.True(t, ok)
	require.Len(t, g.ActiveMembers(), 1)

	require.NoError(t, m.Sync(ctx, map[string]*spec.Spec{}))
	snap, err = mem.Snapshot(ctx)
	require.NoError(t, err)
	g, ok = snap.Group("web.default")
	require.True(t, ok)
	assert.Empty(t, g.ActiveMembers(), "an unloaded service is no longer advertised")
	_, found := g.Member("m1")
	assert.False(t, found)

	require.NoError(t, m.Load(h.spec))
	snap, err = mem.Snapshot(ctx)
	require.NoError(t, err)
	m.Tick(ctx, snap)
	require.NoError(t, m.Shutdown(ctx))
	snap, err = mem.Snapshot(ctx)
	require.NoError(t, err)
	g, _ = snap.Group("web.default")
	assert.Empty(t, g.ActiveMembers(), "shutdown withdraws every member")
}
