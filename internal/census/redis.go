package census

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis reads the census from a redis instance that the gossip layer writes
// into. Every write bumps KeyVersion so readers can cheaply tell whether a new
// snapshot is worth taking.
type Redis struct {
	client *redis.Client

	mu       sync.Mutex
	observed uint64
	seen     bool
}

// NewRedis creates a census provider backed by client
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

type groupCmds struct {
	name     string
	members  *redis.MapStringStringCmd
	config   *redis.StringCmd
	files    *redis.MapStringStringCmd
	election *redis.MapStringStringCmd
}

// Snapshot implements Provider.
func (r *Redis) Snapshot(ctx context.Context) (*Snapshot, error) {
	version, err := r.version(ctx)
	if err != nil {
		return nil, err
	}

	names, err := r.client.SMembers(ctx, KeyAllGroups).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list census groups: %w", err)
	}
	sort.Strings(names)

	pipe := r.client.Pipeline()
	cmds := make([]groupCmds, 0, len(names))
	for _, name := range names {
		cmds = append(cmds, groupCmds{
			name:     name,
			members:  pipe.HGetAll(ctx, MembersKey(name)),
			config:   pipe.Get(ctx, ConfigKey(name)),
			files:    pipe.HGetAll(ctx, FilesKey(name)),
			election: pipe.HGetAll(ctx, ElectionKey(name)),
		})
	}
	if len(cmds) > 0 {
		// A group without gossiped config answers redis.Nil, which is not a failure.
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read census: %w", err)
		}
	}

	groups := make([]*Group, 0, len(cmds))
	for _, c := range cmds {
		groups = append(groups, decodeGroup(c))
	}

	r.mu.Lock()
	r.observed = version
	r.seen = true
	r.mu.Unlock()

	return NewSnapshot(version, groups...), nil
}

func decodeGroup(c groupCmds) *Group {
	g := &Group{Name: c.name, Election: ElectionNone}
	var errs []error

	raw := c.members.Val()
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var m Member
		if err := json.Unmarshal([]byte(raw[id]), &m); err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", id, err))
			continue
		}
		g.Members = append(g.Members, m)
	}

	if data, err := c.config.Bytes(); err == nil {
		var cfg GossipConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		} else {
			g.Config = &cfg
		}
	} else if !errors.Is(err, redis.Nil) {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	for name, body := range c.files.Val() {
		var f GossipFile
		if err := json.Unmarshal([]byte(body), &f); err != nil {
			errs = append(errs, fmt.Errorf("file %s: %w", name, err))
			continue
		}
		g.Files = append(g.Files, f)
	}
	sort.Slice(g.Files, func(i, j int) bool { return g.Files[i].Name < g.Files[j].Name })

	if el := c.election.Val(); len(el) > 0 {
		if st := el["status"]; st != "" {
			g.Election = ElectionStatus(st)
		}
		if leader := el["leader"]; leader != "" {
			for i := range g.Members {
				g.Members[i].Leader = g.Members[i].ID == leader
			}
		}
	}

	g.Err = errors.Join(errs...)
	return g
}

func (r *Redis) version(ctx context.Context) (uint64, error) {
	v, err := r.client.Get(ctx, KeyVersion).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read census version: %w", err)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid census version %q: %w", v, err)
	}
	return n, nil
}

// Changed implements Provider.
func (r *Redis) Changed(ctx context.Context) (bool, error) {
	v, err := r.version(ctx)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.seen || v != r.observed, nil
}

// Publish implements Provider.
func (r *Redis) Publish(ctx context.Context, m Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal member %s: %w", m.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, KeyAllGroups, m.ServiceGroup)
	pipe.HSet(ctx, MembersKey(m.ServiceGroup), m.ID, data)
	pipe.Incr(ctx, KeyVersion)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish member %s: %w", m.ID, err)
	}
	return nil
}

// SetConfig stores the gossiped config of a group.
func (r *Redis) SetConfig(ctx context.Context, group string, cfg GossipConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config for %s: %w", group, err)
	}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, KeyAllGroups, group)
	pipe.Set(ctx, ConfigKey(group), data, 0)
	pipe.Incr(ctx, KeyVersion)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save config for %s: %w", group, err)
	}
	return nil
}

// PutFile stores a gossiped file of a group.
func (r *Redis) PutFile(ctx context.Context, group string, f GossipFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal file %s: %w", f.Name, err)
	}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, KeyAllGroups, group)
	pipe.HSet(ctx, FilesKey(group), f.Name, data)
	pipe.Incr(ctx, KeyVersion)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save file %s: %w", f.Name, err)
	}
	return nil
}

// SetElection records the election state of a group. leaderID may be empty.
func (r *Redis) SetElection(ctx context.Context, group string, status ElectionStatus, leaderID string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, KeyAllGroups, group)
	pipe.HSet(ctx, ElectionKey(group), "status", string(status), "leader", leaderID)
	pipe.Incr(ctx, KeyVersion)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save election for %s: %w", group, err)
	}
	return nil
}

// Withdraw deletes a member from a group.
func (r *Redis) Withdraw(ctx context.Context, group, id string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, MembersKey(group), id)
	pipe.Incr(ctx, KeyVersion)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove member %s: %w", id, err)
	}
	return nil
}
