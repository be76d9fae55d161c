// Package worker launches the external worker program and waits for it.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Outcome is the result class of one worker run.
type Outcome string

const (
	Success       Outcome = "success"
	LaunchFailure Outcome = "launch_failure"
	Timeout       Outcome = "timeout"
)

const (
	stderrCaptureLimit = 4096
	waitDelay          = 2 * time.Second
)

// Result describes one finished worker run.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Duration time.Duration
	Stderr   string
	Err      error
}

// Invoker runs the worker once and blocks until it exits.
type Invoker interface {
	Run(ctx context.Context) Result
}

// Options configures a CommandInvoker.
type Options struct {
	Command string
	Args    []string
	Dir     string
	// Timeout bounds one run. Zero waits indefinitely.
	Timeout time.Duration
}

// CommandInvoker runs a fixed command line as the worker.
type CommandInvoker struct {
	opts Options
	log  *slog.Logger
}

// NewCommandInvoker validates opts and returns an invoker for them.
func NewCommandInvoker(opts Options, log *slog.Logger) (*CommandInvoker, error) {
	opts.Command = strings.TrimSpace(opts.Command)
	if opts.Command == "" {
		return nil, errors.New("worker command is required")
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("worker timeout must not be negative, got %s", opts.Timeout)
	}

	if log == nil {
		log = slog.Default()
	}

	return &CommandInvoker{
		opts: opts,
		log:  log.With("component", "worker.invoker"),
	}, nil
}

// Run starts the worker and waits for it to exit. Exit status zero is
// Success; a non-zero status or a failure to start is LaunchFailure; hitting
// the configured deadline kills the process and yields Timeout.
func (i *CommandInvoker) Run(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if i.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, i.opts.Command, i.opts.Args...)
	cmd.Dir = i.opts.Dir
	cmd.WaitDelay = waitDelay
	stderr := &limitedBuffer{limit: stderrCaptureLimit}
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	result := Result{
		Duration: time.Since(started),
		ExitCode: exitCode(cmd, err),
		Stderr:   strings.TrimSpace(stderr.String()),
		Err:      err,
	}

	switch {
	case err == nil:
		result.Outcome = Success
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Outcome = Timeout
		result.Err = fmt.Errorf("worker exceeded %s: %w", i.opts.Timeout, context.DeadlineExceeded)
	case ctx.Err() != nil:
		result.Outcome = LaunchFailure
		result.Err = fmt.Errorf("worker interrupted: %w", ctx.Err())
	default:
		result.Outcome = LaunchFailure
	}

	if result.Outcome != Success {
		i.log.Warn("Worker run failed",
			"command", i.opts.Command,
			"outcome", string(result.Outcome),
			"exit_code", result.ExitCode,
			"duration", result.Duration,
			"stderr", result.Stderr,
			"error", result.Err,
		)
	} else {
		i.log.Debug("Worker run finished", "command", i.opts.Command, "duration", result.Duration)
	}

	return result
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}

	return -1
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}

	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
