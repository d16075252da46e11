// ABOUTME: Roster entry types for the health prober: target status, snapshot and restart result.
// ABOUTME: Snapshots are whole values; pointer fields are copied so readers never alias state.

package fleet

import (
	"errors"
	"time"

	"github.com/2389/coven-fleet/internal/config"
)

var (
	// ErrTargetNotFound indicates the specified target is not in the roster.
	ErrTargetNotFound = errors.New("target not found")

	// ErrNoController indicates a restart on a target with no stop/start control.
	ErrNoController = errors.New("target has no restart controller")

	// ErrUnreachable marks an expected transport absence: nothing is listening.
	ErrUnreachable = errors.New("target unreachable")
)

// Status is the health verdict of one target.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting" // transient, always resolves
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Terminal reports whether s is a resolved probe outcome.
func (s Status) Terminal() bool {
	return s != StatusConnecting
}

// Target is a snapshot of one roster entry.
type Target struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	URL            string     `json:"url,omitempty"`
	Kind           string     `json:"kind"`
	Status         Status     `json:"status"`
	LastPing       *time.Time `json:"last_ping,omitempty"`
	ResponseTimeMs *int64     `json:"response_time_ms,omitempty"`
	ToolCount      *int       `json:"tool_count,omitempty"`
	MetricValue    *float64   `json:"metric_value,omitempty"`
	Error          string     `json:"error,omitempty"`
	Restartable    bool       `json:"restartable"`
}

func (t Target) clone() Target {
	if t.LastPing != nil {
		v := *t.LastPing
		t.LastPing = &v
	}
	if t.ResponseTimeMs != nil {
		v := *t.ResponseTimeMs
		t.ResponseTimeMs = &v
	}
	if t.ToolCount != nil {
		v := *t.ToolCount
		t.ToolCount = &v
	}
	if t.MetricValue != nil {
		v := *t.MetricValue
		t.MetricValue = &v
	}
	return t
}

// RestartResult is the outcome of a restart. Failures are values, not errors.
type RestartResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func newTarget(spec config.TargetConfig, restartable bool) Target {
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return Target{
		ID:          spec.ID,
		Name:        name,
		URL:         spec.URL,
		Kind:        spec.Kind,
		Status:      StatusDisconnected,
		Restartable: restartable,
	}
}
