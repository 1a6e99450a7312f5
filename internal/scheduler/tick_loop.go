package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/tend/internal/census"
	"github.com/MrSnakeDoc/tend/internal/logger"
)

// Ticker runs one supervision cycle against a census snapshot.
type Ticker interface {
	Tick(ctx context.Context, snap *census.Snapshot)
}

// TickLoop drives the supervision cycles. Every interval, and whenever a
// trigger fires, it ticks the services. A fresh census snapshot is only taken
// when the census reports a change; otherwise the previous one is reused.
type TickLoop struct {
	provider      census.Provider
	target        Ticker
	logger        logger.Logger
	interval      time.Duration
	last          *census.Snapshot
	started       bool
	stopCh        chan struct{}
	done          chan struct{}
	manualTrigger chan struct{}
	fileTrigger   chan struct{}
}

// NewTickLoop creates a tick loop. manualTrigger may be shared with the
// HTTP reload endpoint.
func NewTickLoop(
	provider census.Provider,
	target Ticker,
	log logger.Logger,
	interval time.Duration,
	manualTrigger chan struct{},
) *TickLoop {
	if manualTrigger == nil {
		manualTrigger = make(chan struct{}, 1)
	}
	return &TickLoop{
		provider:      provider,
		target:        target,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		manualTrigger: manualTrigger,
		fileTrigger:   make(chan struct{}, 1),
	}
}

// FileTrigger is the channel to register with a DirWatcher for
// directories whose changes should tick right away.
func (tl *TickLoop) FileTrigger() chan<- struct{} {
	return tl.fileTrigger
}

// Start runs a first tick and then loops in the background.
func (tl *TickLoop) Start(ctx context.Context) error {
	if err := tl.RunOnce(ctx, true); err != nil {
		return fmt.Errorf("initial tick failed: %w", err)
	}

	ticker := time.NewTicker(tl.interval)
	tl.started = true
	go func() {
		defer close(tl.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tl.run(ctx, false)
			case <-tl.fileTrigger:
				tl.logger.Debug("tick triggered by file change")
				tl.run(ctx, false)
			case <-tl.manualTrigger:
				tl.logger.Info("manual tick triggered")
				tl.run(ctx, true)
			case <-tl.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (tl *TickLoop) Stop() {
	close(tl.stopCh)
	if tl.started {
		<-tl.done
	}
}

func (tl *TickLoop) run(ctx context.Context, force bool) {
	if err := tl.RunOnce(ctx, force); err != nil {
		tl.logger.Error("tick failed", logger.Error(err))
	}
}

// RunOnce ticks the target once. With force a fresh snapshot is always
// taken. When the census cannot be reached the last snapshot is reused so
// local work such as restarting a dead process still happens.
func (tl *TickLoop) RunOnce(ctx context.Context, force bool) error {
	snap, err := tl.snapshot(ctx, force)
	if err != nil {
		if tl.last == nil {
			return err
		}
		tl.logger.Warn("census unavailable, reusing last snapshot",
			logger.Uint64("version", tl.last.Version),
			logger.Error(err))
		snap = tl.last
	}
	tl.last = snap
	tl.target.Tick(ctx, snap)
	return nil
}

func (tl *TickLoop) snapshot(ctx context.Context, force bool) (*census.Snapshot, error) {
	if !force && tl.last != nil {
		changed, err := tl.provider.Changed(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to poll census: %w", err)
		}
		if !changed {
			return tl.last, nil
		}
	}
	snap, err := tl.provider.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read census: %w", err)
	}
	return snap, nil
}
