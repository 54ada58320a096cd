// Package supervisor keeps one named long-running process per panel alive and
// reports on it. Drivers do the supervising; Adapter turns a panel's language
// and entry point into a driver Spec.
package supervisor

import (
	"context"

	"github.com/paneld/paneld/internal/process"
)

// State of a supervised process.
type State string

const (
	StateLaunching State = "launching"
	StateOnline    State = "online"
	StateStopped   State = "stopped"
	StateErrored   State = "errored"
)

// Spec describes a process to supervise.
type Spec struct {
	Name string
	Run  process.Invocation
	// Cleanup, when set, runs every time the process stops or crashes.
	Cleanup *process.Invocation
}

// Info is a point-in-time view of a supervised process.
type Info struct {
	Name         string  `json:"name"`
	State        State   `json:"state"`
	PID          int     `json:"pid"`
	MemoryBytes  uint64  `json:"memoryBytes"`
	CPUPercent   float64 `json:"cpuPercent"`
	UptimeMs     int64   `json:"uptimeMs"`
	RestartCount int     `json:"restartCount"`
}

// Logs holds captured output.
type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Driver supervises processes by name. Every method except Start returns an
// errkind.NotFound error for an unknown name; Start fails if the name exists.
type Driver interface {
	Start(ctx context.Context, spec Spec) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Describe(ctx context.Context, name string) (*Info, error)
	Logs(ctx context.Context, name string, lines int) (*Logs, error)
	Flush(ctx context.Context, name string) error
	Close() error
}
