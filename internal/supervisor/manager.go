package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrSnakeDoc/tend/internal/census"
	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/spec"
)

// Manager owns every loaded service. It ticks them, performs the restarts
// they ask for and advertises their members to the census.
type Manager struct {
	mu       sync.Mutex
	opts     Options
	deps     Deps
	log      logger.Logger
	services map[string]*Service
}

// NewManager creates a manager without services.
func NewManager(opts Options, deps Deps) *Manager {
	return &Manager{
		opts:     opts,
		deps:     deps,
		log:      deps.Log,
		services: make(map[string]*Service),
	}
}

// Load adds a service. Loading a name twice is an error.
func (m *Manager) Load(sp *spec.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(sp)
}

func (m *Manager) loadLocked(sp *spec.Spec) error {
	if _, ok := m.services[sp.Name]; ok {
		return fmt.Errorf("service %s is already loaded", sp.Name)
	}
	svc, err := NewService(sp, m.opts, m.deps)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", sp.Name, err)
	}
	m.services[sp.Name] = svc
	m.log.Info("service loaded",
		logger.String("service", sp.Name),
		logger.String("ident", sp.Ident),
		logger.String("group", sp.ServiceGroup()))
	return nil
}

// Unload stops a service and forgets it.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(ctx, name)
}

func (m *Manager) unloadLocked(ctx context.Context, name string) error {
	svc, ok := m.services[name]
	if !ok {
		return fmt.Errorf("service %s is not loaded", name)
	}
	err := svc.Stop(ctx)
	delete(m.services, name)
	if m.deps.Census != nil {
		if werr := m.deps.Census.Withdraw(ctx, svc.Spec().ServiceGroup(), m.opts.MemberID); werr != nil {
			m.log.Warn("failed to withdraw census member", logger.String("service", name), logger.Error(werr))
			err = errors.Join(err, werr)
		}
	}
	m.log.Info("service unloaded", logger.String("service", name))
	return err
}

// Sync makes the loaded services match specs: new ones are loaded, missing
// ones unloaded, and ones whose spec changed in any way are reloaded. Each
// service is handled on its own so one bad spec does not block the others.
func (m *Manager) Sync(ctx context.Context, specs map[string]*spec.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, name := range m.namesLocked() {
		next, keep := specs[name]
		cur := m.services[name].Spec()
		if keep && next.Equal(cur) {
			continue
		}
		if keep {
			m.log.Info("service spec changed, reloading", logger.String("service", name))
		}
		if err := m.unloadLocked(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := m.services[name]; ok {
			continue
		}
		if err := m.loadLocked(specs[name]); err != nil {
			m.log.Error("failed to load service", logger.String("service", name), logger.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tick runs one cycle: every service ticks in name order against the same
// snapshot, then pending restarts are performed and changed members are
// published.
func (m *Manager) Tick(ctx context.Context, snap *census.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := m.namesLocked()
	for _, name := range names {
		m.services[name].Tick(ctx, snap)
	}
	for _, name := range names {
		svc := m.services[name]
		if svc.NeedsRestart() {
			_ = svc.Restart(ctx)
		}
	}
	if m.deps.Census == nil {
		return
	}
	for _, name := range names {
		svc := m.services[name]
		if !svc.memberChanged() {
			continue
		}
		if err := m.deps.Census.Publish(ctx, svc.Member()); err != nil {
			m.log.Warn("failed to publish census member", logger.String("service", name), logger.Error(err))
			svc.published = [32]byte{}
		}
	}
}

// Get returns a loaded service.
func (m *Manager) Get(name string) (*Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[name]
	return svc, ok
}

// Names lists the loaded services, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namesLocked()
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown unloads every service.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range m.namesLocked() {
		if err := m.unloadLocked(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
