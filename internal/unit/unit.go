// Package unit is the execution-isolation facility: it starts and terminates
// the isolated process or worker hosting one agent's code and carries the
// two-way control channel between it and the runtime manager. Units receive
// no ambient handles; everything they need arrives through the control
// channel or their launch environment.
package unit

import (
	"context"
	"time"
)

type SignalKind string

const (
	// SignalReady means the unit finished booting and accepts tasks.
	SignalReady SignalKind = "ready"
	// SignalResult carries a completed task's result payload.
	SignalResult SignalKind = "result"
	// SignalError carries a failed task's error message.
	SignalError SignalKind = "error"
	// SignalExit means the unit terminated; Err is set when it was abnormal.
	SignalExit SignalKind = "exit"
)

// Signal is a unit-to-manager control message.
type Signal struct {
	Kind   SignalKind
	TaskID string
	Result map[string]any
	Err    string
}

// Task is a manager-to-unit work item.
type Task struct {
	ID           string
	Payload      map[string]any
	DispatchedAt time.Time
}

// LaunchSpec identifies what a new unit should run.
type LaunchSpec struct {
	AgentID  string
	CodePath string
}

// Handle is the manager's grip on one running unit. Send forwards a task
// over the control channel; Signals yields lifecycle and result signals
// until the unit exits; Terminate stops the unit (graceful asks it to drain,
// forced kills it outright — separate processes are always killed).
type Handle interface {
	Send(task Task) error
	Signals() <-chan Signal
	Terminate(graceful bool)
}

// Launcher starts execution units. Implementations: ProcessLauncher (child
// process dialing back over websocket), WorkerLauncher (in-process worker
// goroutine). Tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// ControlFrame is the JSON wire format on the websocket control channel.
type ControlFrame struct {
	Kind    string         `json:"kind"`
	TaskID  string         `json:"task_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}
