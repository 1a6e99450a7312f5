package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/status"
	redisstore "github.com/MrSnakeDoc/tend/internal/store/redis"
)

// StatusStore is where service statuses are published.
type StatusStore interface {
	SaveMany(ctx context.Context, services []status.Service) error
	Delete(ctx context.Context, id string) error
	Purge(ctx context.Context, memberID string) (int, error)
}

// StatusSyncer copies the status registry to the status store on a fixed
// interval. It is best effort: the registry stays the source of truth.
type StatusSyncer struct {
	store     StatusStore
	registry  *status.Registry
	memberID  string
	logger    logger.Logger
	interval  time.Duration
	published map[string]struct{}
	started   bool
	stopCh    chan struct{}
	done      chan struct{}
}

// NewStatusSyncer creates a status syncer.
func NewStatusSyncer(
	store StatusStore,
	registry *status.Registry,
	memberID string,
	log logger.Logger,
	interval time.Duration,
) *StatusSyncer {
	return &StatusSyncer{
		store:     store,
		registry:  registry,
		memberID:  memberID,
		logger:    log,
		interval:  interval,
		published: map[string]struct{}{},
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start publishes once and then on every interval.
func (ss *StatusSyncer) Start(ctx context.Context) {
	ss.sync(ctx)

	ticker := time.NewTicker(ss.interval)
	ss.started = true
	go func() {
		defer close(ss.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ss.sync(ctx)
			case <-ss.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop.
func (ss *StatusSyncer) Stop() {
	close(ss.stopCh)
	if ss.started {
		<-ss.done
	}
}

func (ss *StatusSyncer) sync(ctx context.Context) {
	if err := ss.Sync(ctx); err != nil {
		ss.logger.Warn("failed to publish service statuses", logger.Error(err))
	}
}

// Sync publishes every registry entry and deletes the records of services
// that are no longer supervised.
func (ss *StatusSyncer) Sync(ctx context.Context) error {
	services := ss.registry.List()
	current := make(map[string]struct{}, len(services))
	for i := range services {
		services[i].MemberID = ss.memberID
		current[redisstore.RecordID(services[i].ServiceGroup, ss.memberID)] = struct{}{}
	}

	if err := ss.store.SaveMany(ctx, services); err != nil {
		return err
	}

	for id := range ss.published {
		if _, ok := current[id]; ok {
			continue
		}
		if err := ss.store.Delete(ctx, id); err != nil {
			ss.logger.Warn("failed to delete stale status", logger.String("id", id), logger.Error(err))
			current[id] = struct{}{}
		}
	}
	ss.published = current

	ss.logger.Debug("service statuses published", logger.Int("count", len(services)))
	return nil
}

// Clear removes every record this supervisor published.
func (ss *StatusSyncer) Clear(ctx context.Context) error {
	n, err := ss.store.Purge(ctx, ss.memberID)
	if err != nil {
		return err
	}
	ss.logger.Info("service statuses cleared", logger.Int("count", n))
	return nil
}
