package process

import (
	"context"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/logcollection"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
)

// Host is the execution context a process runs in
type Host interface {
	ID() string
	Root() string
	Environ() []string
	// Track registers a process group with the host; release is called once it exits
	Track(pid int) (release func())
}

// Command describes one process launch. WorkingDirectory is relative to the host root.
type Command struct {
	RunID            string
	UnitID           string
	Args             []string
	Env              []string
	WorkingDirectory string
	WaitDelay        time.Duration
}

// Result of a blocking run. Stdout and Stderr hold at most the last
// CaptureLimit bytes of each stream; Truncated is set when either lost its head.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
}

// Handle is a running daemon
type Handle interface {
	Pid() int
	Done() <-chan struct{}
	// ExitCode and Err are meaningful once Done is closed
	ExitCode() int
	Err() error
	// Stderr returns the captured stderr tail so far
	Stderr() string
	Stop(ctx context.Context) error
	// Probe is Fatal once the process has exited and Ready otherwise
	Probe() probe.Result
}

type Backend interface {
	// Run blocks until the process exits. A nonzero exit is reported in Result with a nil error.
	Run(ctx context.Context, host Host, cmd Command) (Result, error)
	// Spawn starts a long-running process and returns immediately
	Spawn(ctx context.Context, host Host, cmd Command) (Handle, error)
}

const (
	DefaultGracefulTimeout = 10 * time.Second
	DefaultWaitDelay       = 5 * time.Second
	CaptureLimit           = 16 * 1024
	forceKillTimeout       = 5 * time.Second
)

type Options struct {
	GracefulTimeout time.Duration
	OutputSink      logcollection.Sink
}
