package core

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"imapsyncd/internal/imapsync"
)

// Outcome is the terminal result of running one job.
type Outcome struct {
	ExitCode int
	Err      error
}

// Failed reports whether the job counts as a failure for aggregate status.
func (o Outcome) Failed() bool {
	return o.Err != nil || o.ExitCode != 0
}

// Runner executes one job and streams its output line-by-line through sink.
// Implementations hold no shared state; sink serialization is the caller's
// responsibility.
type Runner interface {
	Run(ctx context.Context, job Job, sink func(line string)) Outcome
}

// CommandRunner invokes the imapsync binary. Cancellation is bounded: the
// process receives a termination signal first and is force-killed after
// KillGrace if it has not exited.
type CommandRunner struct {
	Bin       string
	KillGrace time.Duration
	Logger    *slog.Logger
}

// NewCommandRunner creates a runner for the given imapsync binary path.
func NewCommandRunner(bin string, killGrace time.Duration, logger *slog.Logger) *CommandRunner {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &CommandRunner{Bin: bin, KillGrace: killGrace, Logger: logger}
}

// Run executes imapsync for one account. Every stdout line is delivered
// through sink as soon as it is produced; stderr is captured in full and
// delivered after exit, tagged "stderr:". A non-zero exit or launch failure
// is reported in the Outcome, never as a panic.
func (r *CommandRunner) Run(ctx context.Context, job Job, sink func(line string)) Outcome {
	args := imapsync.BuildArgs(r.Bin, job)
	sink("command: " + imapsync.Redact(args))

	cmd := exec.Command(args[0], args[1:]...) // #nosec G204
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sink(fmt.Sprintf("failed to open imapsync output: %v", err))
		return Outcome{ExitCode: -1, Err: err}
	}

	if err := cmd.Start(); err != nil {
		sink(fmt.Sprintf("failed to start imapsync: %v", err))
		return Outcome{ExitCode: -1, Err: err}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sendTermination(cmd.Process)
			select {
			case <-done:
			case <-time.After(r.KillGrace):
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}
		case <-done:
		}
	}()

	var readErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		readErr = err
		sink(fmt.Sprintf("error reading imapsync output: %v", err))
	}

	waitErr := cmd.Wait()

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		for _, line := range strings.Split(msg, "\n") {
			sink("stderr: " + strings.TrimRight(line, "\r"))
		}
	}

	switch {
	case waitErr == nil:
		return Outcome{ExitCode: 0, Err: readErr}
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Outcome{ExitCode: exitErr.ExitCode(), Err: readErr}
		}
		return Outcome{ExitCode: -1, Err: waitErr}
	}
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
