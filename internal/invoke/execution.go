// ABOUTME: Execution record type and its conversion to and from persisted history rows.
// ABOUTME: Also holds the single mapping from a dispatch outcome to a terminal record.

package invoke

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/2389/coven-fleet/internal/store"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Execution is one tool invocation. A running execution has no EndTime,
// DurationMs, Result or Error.
type Execution struct {
	ID         string          `json:"id"`
	ToolName   string          `json:"tool_name"`
	Args       map[string]any  `json:"args"`
	Status     Status          `json:"status"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
	DurationMs *int64          `json:"duration_ms,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Terminal reports whether the execution has finished.
func (e Execution) Terminal() bool {
	return e.Status == StatusSuccess || e.Status == StatusError
}

func (e Execution) clone() Execution {
	e.Args = maps.Clone(e.Args)
	if e.EndTime != nil {
		t := *e.EndTime
		e.EndTime = &t
	}
	if e.DurationMs != nil {
		d := *e.DurationMs
		e.DurationMs = &d
	}
	if e.Result != nil {
		e.Result = append(json.RawMessage(nil), e.Result...)
	}
	return e
}

// outcome turns a dispatch result into the terminal record. Transport,
// protocol and application failures all collapse into StatusError here and
// nowhere else.
func outcome(exec Execution, result json.RawMessage, err error, end time.Time) Execution {
	out := exec.clone()

	duration := end.Sub(exec.StartTime).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	out.EndTime = &end
	out.DurationMs = &duration

	if err != nil {
		out.Status = StatusError
		out.Error = err.Error()
		if out.Error == "" {
			out.Error = "unknown error"
		}
		out.Result = nil
		return out
	}

	out.Status = StatusSuccess
	out.Result = result
	return out
}

func toRecord(e Execution) store.ExecutionRecord {
	rec := store.ExecutionRecord{
		ID:        e.ID,
		ToolName:  e.ToolName,
		Args:      e.Args,
		Status:    string(e.Status),
		StartTime: e.StartTime,
		Result:    e.Result,
		Error:     e.Error,
	}
	if rec.Args == nil {
		rec.Args = map[string]any{}
	}
	if e.EndTime != nil {
		rec.EndTime = *e.EndTime
	}
	if e.DurationMs != nil {
		rec.DurationMs = *e.DurationMs
	}
	return rec
}

func fromRecord(rec store.ExecutionRecord) Execution {
	end := rec.EndTime
	duration := rec.DurationMs
	return Execution{
		ID:         rec.ID,
		ToolName:   rec.ToolName,
		Args:       rec.Args,
		Status:     Status(rec.Status),
		StartTime:  rec.StartTime,
		EndTime:    &end,
		DurationMs: &duration,
		Result:     rec.Result,
		Error:      rec.Error,
	}
}
