package execx

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Command is a shell script to run on a host.
type Command struct {
	Script string
	Stdin  io.Reader
	// Timeout bounds this command only; zero means the caller's context alone.
	Timeout time.Duration
}

// Result is what a finished command produced. A non-zero exit is reported
// here, not as an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Out is trimmed stdout.
func (r Result) Out() string { return strings.TrimSpace(r.Stdout) }

// Runner abstracts command execution so the installer can be unit-tested
// without a real host. Run returns an error only when the command could not
// be run to completion (transport failure, timeout).
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ErrTimeout is returned when a command outlives its timeout.
var ErrTimeout = errors.New("command timed out")
