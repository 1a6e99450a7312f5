package census

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedisSnapshotEmpty(t *testing.T) {
	r, _ := newTestRedis(t)
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.GroupNames())
	assert.Equal(t, uint64(0), snap.Version)
}

func TestRedisPublishAndSnapshot(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	require.NoError(t, r.Publish(ctx, Member{ID: "b", ServiceGroup: "db.default", Alive: true, Port: 5432}))
	require.NoError(t, r.Publish(ctx, Member{ID: "a", ServiceGroup: "db.default", Alive: true, Port: 5433}))
	require.NoError(t, r.SetConfig(ctx, "db.default", GossipConfig{Incarnation: 3, Document: map[string]any{"port": 1.0}}))
	require.NoError(t, r.PutFile(ctx, "db.default", GossipFile{Name: "cert.pem", Incarnation: 1, Body: []byte("x")}))
	require.NoError(t, r.SetElection(ctx, "db.default", ElectionFinished, "a"))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), snap.Version)

	g, ok := snap.Group("db.default")
	require.True(t, ok)
	require.NoError(t, g.Err)
	require.Len(t, g.Members, 2)
	assert.Equal(t, "a", g.Members[0].ID)

	leader, ok := g.Leader()
	require.True(t, ok)
	assert.Equal(t, "a", leader.ID)
	assert.Equal(t, ElectionFinished, g.Election)

	require.NotNil(t, g.Config)
	assert.Equal(t, uint64(3), g.Config.Incarnation)
	require.Len(t, g.Files, 1)
	assert.Equal(t, []byte("x"), g.Files[0].Body)
}

func TestRedisChanged(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	changed, err := r.Changed(ctx)
	require.NoError(t, err)
	assert.True(t, changed, "never observed")

	_, err = r.Snapshot(ctx)
	require.NoError(t, err)
	changed, err = r.Changed(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, r.Publish(ctx, Member{ID: "a", ServiceGroup: "web.default", Alive: true}))
	changed, err = r.Changed(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRedisMalformedMemberSetsGroupErr(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	require.NoError(t, r.Publish(ctx, Member{ID: "ok", ServiceGroup: "db.default", Alive: true}))
	mr.HSet(MembersKey("db.default"), "broken", "{not json")

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	g, ok := snap.Group("db.default")
	require.True(t, ok)
	assert.Error(t, g.Err)
	assert.Len(t, g.Members, 1, "decodable members are kept")
}

func TestRedisUnavailable(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, err := r.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestRedisWithdraw(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	require.NoError(t, r.Publish(ctx, Member{ID: "a", ServiceGroup: "web.default", Alive: true}))
	require.NoError(t, r.Publish(ctx, Member{ID: "b", ServiceGroup: "web.default", Alive: true}))
	require.NoError(t, r.Withdraw(ctx, "web.default", "a"))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	g, ok := snap.Group("web.default")
	require.True(t, ok)
	require.Len(t, g.Members, 1)
	assert.Equal(t, "b", g.Members[0].ID)
}
