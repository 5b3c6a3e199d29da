package process

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logcollection"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
)

type localBackend struct {
	options Options
	logger  logging.Logger
}

// NewLocalBackend runs commands as child processes of the orchestrator, each in its own process group
func NewLocalBackend(options Options, logger logging.Logger) Backend {
	if options.GracefulTimeout <= 0 {
		options.GracefulTimeout = DefaultGracefulTimeout
	}
	return &localBackend{
		options: options,
		logger:  logger,
	}
}

type startedProcess struct {
	cmd     *exec.Cmd
	stdout  *tailBuffer
	stderr  *tailBuffer
	writers []io.Closer
	release func()
}

func (b *localBackend) start(ctx context.Context, host Host, command Command) (*startedProcess, error) {
	if err := ValidateCommand(command); err != nil {
		return nil, err
	}
	if host == nil {
		return nil, errors.NewValidationError("host cannot be nil", nil).WithContext("unit_id", command.UnitID)
	}

	cmd := exec.CommandContext(ctx, command.Args[0], command.Args[1:]...)
	cmd.Dir = filepath.Join(host.Root(), command.WorkingDirectory)
	cmd.Env = append(append([]string(nil), host.Environ()...), command.Env...)
	setupProcessAttributes(cmd)

	// Context cancellation terminates the whole group, not only the leader
	cmd.Cancel = func() error {
		if err := SendTerminationSignal(cmd.Process.Pid); err != nil {
			b.logger.Debugf("Termination signal on cancel failed, unit: %s: %v", command.UnitID, err)
		}
		return nil
	}
	cmd.WaitDelay = command.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	p := &startedProcess{
		cmd:    cmd,
		stdout: newTailBuffer(CaptureLimit),
		stderr: newTailBuffer(CaptureLimit),
	}

	stdoutWriter := logcollection.NewLineWriter(b.options.OutputSink, logcollection.Source{
		RunID: command.RunID, UnitID: command.UnitID, Stream: logcollection.StreamStdout,
	})
	stderrWriter := logcollection.NewLineWriter(b.options.OutputSink, logcollection.Source{
		RunID: command.RunID, UnitID: command.UnitID, Stream: logcollection.StreamStderr,
	})
	p.writers = []io.Closer{stdoutWriter, stderrWriter}
	cmd.Stdout = io.MultiWriter(p.stdout, stdoutWriter)
	cmd.Stderr = io.MultiWriter(p.stderr, stderrWriter)

	b.logger.Debugf("Starting process, unit: %s, context: %s, args: %v, dir: %s", command.UnitID, host.ID(), command.Args, cmd.Dir)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start the process", err).
			WithContext("unit_id", command.UnitID).
			WithContext("context_id", host.ID()).
			WithContext("executable_path", command.Args[0])
	}
	p.release = host.Track(cmd.Process.Pid)

	b.logger.Infof("Started process, unit: %s, PID: %d", command.UnitID, cmd.Process.Pid)
	return p, nil
}

// finish collects the exit status after Wait returned
func (p *startedProcess) finish(waitErr error) (int, error) {
	for _, w := range p.writers {
		w.Close()
	}
	if p.release != nil {
		p.release()
	}

	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if stderrors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if stderrors.Is(waitErr, exec.ErrWaitDelay) {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, waitErr
}

func (b *localBackend) Run(ctx context.Context, host Host, command Command) (Result, error) {
	p, err := b.start(ctx, host, command)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	exitCode, waitErr := p.finish(p.cmd.Wait())
	result := Result{
		ExitCode:  exitCode,
		Stdout:    p.stdout.String(),
		Stderr:    p.stderr.String(),
		Truncated: p.stdout.Truncated() || p.stderr.Truncated(),
	}
	if result.Truncated {
		b.logger.Debugf("Process output exceeded capture limit, unit: %s, limit: %d", command.UnitID, CaptureLimit)
	}

	if ctx.Err() != nil {
		b.logger.Infof("Process cancelled, unit: %s, exit code: %d", command.UnitID, exitCode)
		return result, errors.NewCancelledError("process cancelled", ctx.Err()).WithContext("unit_id", command.UnitID)
	}
	if waitErr != nil {
		return result, errors.NewProcessError("failed to wait for the process", waitErr).WithContext("unit_id", command.UnitID)
	}

	b.logger.Infof("Process exited, unit: %s, exit code: %d", command.UnitID, exitCode)
	return result, nil
}

func (b *localBackend) Spawn(ctx context.Context, host Host, command Command) (Handle, error) {
	p, err := b.start(ctx, host, command)
	if err != nil {
		return nil, err
	}

	h := &localHandle{
		process:         p,
		unitID:          command.UnitID,
		gracefulTimeout: b.options.GracefulTimeout,
		logger:          b.logger,
		done:            make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type localHandle struct {
	process         *startedProcess
	unitID          string
	gracefulTimeout time.Duration
	logger          logging.Logger

	mutex    sync.Mutex
	exitCode int
	err      error
	done     chan struct{}
}

func (h *localHandle) wait() {
	exitCode, err := h.process.finish(h.process.cmd.Wait())

	h.mutex.Lock()
	h.exitCode = exitCode
	h.err = err
	h.mutex.Unlock()

	h.logger.Infof("Daemon exited, unit: %s, PID: %d, exit code: %d", h.unitID, h.Pid(), exitCode)
	close(h.done)
}

func (h *localHandle) Pid() int {
	return h.process.cmd.Process.Pid
}

func (h *localHandle) Done() <-chan struct{} {
	return h.done
}

func (h *localHandle) ExitCode() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.exitCode
}

func (h *localHandle) Err() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.err
}

func (h *localHandle) Stderr() string {
	return h.process.stderr.String()
}

func (h *localHandle) Probe() probe.Result {
	select {
	case <-h.done:
		return probe.Fatal(fmt.Sprintf("process exited with code %d", h.ExitCode()))
	default:
		return probe.Ready(fmt.Sprintf("process running, PID %d", h.Pid()))
	}
}

// Stop terminates the process group gracefully, then forcefully
func (h *localHandle) Stop(ctx context.Context) error {
	pid := h.Pid()

	select {
	case <-h.done:
		return nil
	default:
	}

	h.logger.Infof("Sending termination signal, unit: %s, PID: %d, timeout: %v", h.unitID, pid, h.gracefulTimeout)
	if err := SendTerminationSignal(pid); err != nil {
		h.logger.Warnf("Failed to send termination signal, unit: %s, PID: %d: %v", h.unitID, pid, err)
	}

	timer := time.NewTimer(h.gracefulTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		h.logger.Infof("Process terminated gracefully, unit: %s, PID: %d", h.unitID, pid)
		return nil
	case <-timer.C:
		h.logger.Warnf("Process did not terminate within %v, forcing termination, unit: %s, PID: %d", h.gracefulTimeout, h.unitID, pid)
	case <-ctx.Done():
		h.logger.Warnf("Context cancelled during graceful termination, forcing termination, unit: %s, PID: %d", h.unitID, pid)
	}

	if err := KillGroup(pid); err != nil {
		return errors.NewProcessError("failed to kill process", err).WithContext("unit_id", h.unitID).WithContext("pid", pid)
	}

	select {
	case <-h.done:
		h.logger.Infof("Process force terminated, unit: %s, PID: %d", h.unitID, pid)
		return nil
	case <-time.After(forceKillTimeout):
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).
			WithContext("unit_id", h.unitID).WithContext("pid", pid)
	}
}
