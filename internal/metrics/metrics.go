// Package metrics defines the sink the supervisor reports into. The sink is
// passed explicitly to every component that records; there is no global
// registry.
package metrics

import "time"

// Sink receives supervisor measurements. Implementations must be safe for
// concurrent use since the health loop records from its own goroutine.
type Sink interface {
	HookRun(service, hook string, ok bool, d time.Duration)
	ServiceState(service, state string)
	HealthStatus(service string, code int)
	BindsUnsatisfied(service string, n int)
	TemplatesChanged(service, kind string, n int)
	Restart(service string)
	Tick(service string)
	// Forget drops every series of an unloaded service.
	Forget(service string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) HookRun(string, string, bool, time.Duration) {}
func (Nop) ServiceState(string, string)                 {}
func (Nop) HealthStatus(string, int)                    {}
func (Nop) BindsUnsatisfied(string, int)                {}
func (Nop) TemplatesChanged(string, string, int)        {}
func (Nop) Restart(string)                              {}
func (Nop) Tick(string)                                 {}
func (Nop) Forget(string)                               {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
