// Package sandbox defines the compute runtime contract for DocFix sessions.
// A sandbox is a long-lived, isolated environment (a Kubernetes Pod in
// production) that holds one session's clone of the documentation repository.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when a sandbox handle does not resolve to anything.
var ErrNotFound = errors.New("sandbox not found")

// Resources overrides the runtime's default requests and limits.
// Empty fields keep the defaults.
type Resources struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

// StartOptions configures a new sandbox.
type StartOptions struct {
	SessionID string
	Image     string   // container image; empty uses the runtime default
	Env       []string // KEY=VALUE pairs
	Labels    map[string]string
	Resources Resources
	// Privileged is required for nested clusters.
	Privileged bool
}

// ExitError reports a command that ran and exited non-zero. Validators rely
// on it to tell "the code is invalid" from "the command could not run".
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Runtime abstracts the sandbox backend.
type Runtime interface {
	// Start creates a sandbox and returns its handle once it is ready to
	// accept Exec calls. A failed Start leaves nothing behind.
	Start(ctx context.Context, opts StartOptions) (string, error)
	// Stop destroys the sandbox. Stopping a missing sandbox is not an error.
	Stop(ctx context.Context, handle string) error
	IsRunning(ctx context.Context, handle string) bool
	// ExecCollect runs cmd to completion and returns combined output. A
	// non-zero exit is reported as *ExitError.
	ExecCollect(ctx context.Context, handle string, cmd []string, stdin io.Reader) (string, error)
}

// Relabeler is implemented by runtimes that can retag a running sandbox,
// which lets a warm sandbox be handed to a specific session.
type Relabeler interface {
	Relabel(ctx context.Context, handle string, labels map[string]string) error
}
