// Package health runs a service's health check on its own schedule and keeps
// the latest outcome where status readers can see it.
package health

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the ordinal outcome of a health check.
type Status int

const (
	Ok Status = iota
	Warning
	Critical
	Unknown
)

// FromExitCode maps a health-check hook exit code to a Status.
func FromExitCode(code int) Status {
	switch code {
	case 0:
		return Ok
	case 1:
		return Warning
	case 2:
		return Critical
	default:
		return Unknown
	}
}

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of String. Anything unrecognized is Unknown.
func ParseStatus(s string) Status {
	switch s {
	case "ok":
		return Ok
	case "warning":
		return Warning
	case "critical":
		return Critical
	default:
		return Unknown
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// Result is one health check outcome.
type Result struct {
	Status Status    `json:"status"`
	Output string    `json:"output,omitempty"`
	At     time.Time `json:"at"`
}

// Cell holds the latest Result. The health loop is its only writer.
type Cell struct {
	mu  sync.RWMutex
	res Result
	set bool
}

// Set replaces the stored result.
func (c *Cell) Set(r Result) {
	c.mu.Lock()
	c.res = r
	c.set = true
	c.mu.Unlock()
}

// Get returns the stored result and whether one was ever published.
func (c *Cell) Get() (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.res, c.set
}
