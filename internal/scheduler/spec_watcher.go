package scheduler

import (
	"context"
	"path/filepath"
	"time"

	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/spec"
)

// Syncer makes the set of supervised services match a set of specs.
type Syncer interface {
	Sync(ctx context.Context, specs map[string]*spec.Spec) error
}

// SpecWatcher reloads the spec directory periodically and on demand, loading
// new services and unloading removed ones.
type SpecWatcher struct {
	loader   *spec.Loader
	pkgRoot  string
	target   Syncer
	logger   logger.Logger
	interval time.Duration
	known    map[string]*spec.Spec
	started  bool
	stopCh   chan struct{}
	done     chan struct{}
	trigger  chan struct{}
}

// NewSpecWatcher creates a watcher. Relative package paths in specs are
// resolved against pkgRoot.
func NewSpecWatcher(
	loader *spec.Loader,
	pkgRoot string,
	target Syncer,
	log logger.Logger,
	interval time.Duration,
) *SpecWatcher {
	return &SpecWatcher{
		loader:   loader,
		pkgRoot:  pkgRoot,
		target:   target,
		logger:   log,
		interval: interval,
		known:    map[string]*spec.Spec{},
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger is the channel to register with a DirWatcher for the spec dir.
func (sw *SpecWatcher) Trigger() chan<- struct{} {
	return sw.trigger
}

// Start loads the specs once and keeps reloading them in the background.
func (sw *SpecWatcher) Start(ctx context.Context) error {
	if err := sw.Reload(ctx); err != nil {
		sw.logger.Warn("initial spec load incomplete", logger.Error(err))
	}

	ticker := time.NewTicker(sw.interval)
	sw.started = true
	go func() {
		defer close(sw.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sw.reload(ctx)
			case <-sw.trigger:
				sw.logger.Debug("spec reload triggered by file change")
				sw.reload(ctx)
			case <-sw.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop ends the loop.
func (sw *SpecWatcher) Stop() {
	close(sw.stopCh)
	if sw.started {
		<-sw.done
	}
}

func (sw *SpecWatcher) reload(ctx context.Context) {
	if err := sw.Reload(ctx); err != nil {
		sw.logger.Error("spec reload failed", logger.Error(err))
	}
}

// Reload reads the spec directory and syncs the target with it. When some
// spec files are broken, services are added or updated but none is removed,
// so a typo never stops a running service.
func (sw *SpecWatcher) Reload(ctx context.Context) error {
	specs, loadErr := sw.loader.LoadAll()
	if specs == nil {
		return loadErr
	}
	for _, sp := range specs {
		if !filepath.IsAbs(sp.Package.Path) && sw.pkgRoot != "" {
			sp.Package.Path = filepath.Join(sw.pkgRoot, sp.Package.Path)
		}
	}

	if loadErr != nil {
		for name, sp := range sw.known {
			if _, ok := specs[name]; !ok {
				specs[name] = sp
			}
		}
	}

	removed := 0
	for name := range sw.known {
		if _, ok := specs[name]; !ok {
			removed++
		}
	}
	if removed > 0 {
		sw.logger.Info("services removed from spec dir", logger.Int("count", removed))
	}

	sw.known = specs
	if err := sw.target.Sync(ctx, specs); err != nil {
		if loadErr != nil {
			sw.logger.Warn("some spec files are invalid", logger.Error(loadErr))
		}
		return err
	}
	return loadErr
}
