// Package status keeps the read-only view of every supervised service that
// the HTTP surface and the redis status sync report.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/MrSnakeDoc/tend/internal/health"
)

// BindStatus is the reported state of one bind.
type BindStatus struct {
	Name         string   `json:"name"`
	ServiceGroup string   `json:"service_group"`
	Status       string   `json:"status"`
	Missing      []string `json:"missing,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Service is a snapshot of one service.
type Service struct {
	Service        string         `json:"service"`
	ServiceGroup   string         `json:"service_group"`
	Ident          string         `json:"ident"`
	MemberID       string         `json:"member_id"`
	State          string         `json:"state"`
	Topology       string         `json:"topology"`
	BindingMode    string         `json:"binding_mode"`
	Election       string         `json:"election,omitempty"`
	Pid            int            `json:"pid,omitempty"`
	RestartPending bool           `json:"restart_pending"`
	Binds          []BindStatus   `json:"binds"`
	Health         *health.Result `json:"health,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type entry struct {
	svc    Service
	cell   *health.Cell
	config map[string]any
}

// Registry holds the latest snapshot of every service.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*entry)}
}

func (r *Registry) entryLocked(name string) *entry {
	e, ok := r.services[name]
	if !ok {
		e = &entry{svc: Service{Service: name}, cell: &health.Cell{}}
		r.services[name] = e
	}
	return e
}

// Cell returns the health cell of a service, creating it if needed. The
// health loop of that service is its only writer.
func (r *Registry) Cell(name string) *health.Cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(name).cell
}

// Update replaces the snapshot of svc.Service.
func (r *Registry) Update(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(svc.Service)
	svc.Health = nil
	e.svc = svc
}

// SetConfig stores the merged configuration of a service.
func (r *Registry) SetConfig(name string, cfg map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(name).config = cfg
}

// Remove forgets a service and its health result.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// Get returns one service with its latest health result.
func (r *Registry) Get(name string) (Service, bool) {
	r.mu.RLock()
	e, ok := r.services[name]
	if !ok {
		r.mu.RUnlock()
		return Service{}, false
	}
	svc, cell := e.svc, e.cell
	r.mu.RUnlock()
	return withHealth(svc, cell), true
}

// List returns every service sorted by name.
func (r *Registry) List() []Service {
	r.mu.RLock()
	out := make([]Service, 0, len(r.services))
	cells := make([]*health.Cell, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, e.svc)
		cells = append(cells, e.cell)
	}
	r.mu.RUnlock()

	for i := range out {
		out[i] = withHealth(out[i], cells[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Health returns the latest health result of a service.
func (r *Registry) Health(name string) (health.Result, bool) {
	r.mu.RLock()
	e, ok := r.services[name]
	var cell *health.Cell
	if ok {
		cell = e.cell
	}
	r.mu.RUnlock()
	if !ok {
		return health.Result{}, false
	}
	return cell.Get()
}

// Config returns the merged configuration of a service.
func (r *Registry) Config(name string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.services[name]
	if !ok || e.config == nil {
		return nil, false
	}
	return e.config, true
}

func withHealth(svc Service, cell *health.Cell) Service {
	if res, ok := cell.Get(); ok {
		svc.Health = &res
	}
	return svc
}
