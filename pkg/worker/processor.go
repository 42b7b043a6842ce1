package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Processor turns a materialized payload into an outcome label
type Processor interface {
	Process(ctx context.Context, inputPath string) (string, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, inputPath string) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, inputPath string) (string, error) {
	return f(ctx, inputPath)
}

// ExitReason describes why a recognizer process terminated
type ExitReason string

const (
	ExitReasonSuccess ExitReason = "success" // exit code 0
	ExitReasonError   ExitReason = "error"   // exit code != 0
	ExitReasonSignal  ExitReason = "signal"  // killed by signal
	ExitReasonTimeout ExitReason = "timeout" // exceeded the processor timeout
	ExitReasonOOM     ExitReason = "oom"     // 137/143, usually the OOM killer
	ExitReasonEmpty   ExitReason = "empty"   // exited 0 without printing a label
	ExitReasonUnknown ExitReason = "unknown"
)

// ProcessError reports a failed recognizer run
type ProcessError struct {
	Reason   ExitReason
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("recognizer %s (exit code %d)", e.Reason, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// DetermineExitReason classifies a finished command
func DetermineExitReason(exitCode int, waitStatus syscall.WaitStatus) ExitReason {
	if waitStatus.Exited() {
		if exitCode == 0 {
			return ExitReasonSuccess
		}
		if exitCode == 137 || exitCode == 143 {
			return ExitReasonOOM
		}
		return ExitReasonError
	}
	if waitStatus.Signaled() {
		return ExitReasonSignal
	}
	return ExitReasonUnknown
}

// maxStderr bounds how much stderr is kept for error messages
const maxStderr = 2048

// ExecProcessor runs an external recognizer: Command Args... <inputPath>.
// The trimmed stdout is the outcome.
type ExecProcessor struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (p *ExecProcessor) Process(ctx context.Context, inputPath string) (string, error) {
	if p.Command == "" {
		return "", errors.New("no recognizer command configured")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), p.Args...), inputPath)
	cmd := exec.CommandContext(ctx, p.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren holding the pipes must not outlive a kill for long
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	errText := strings.TrimSpace(stderr.String())
	if len(errText) > maxStderr {
		errText = errText[len(errText)-maxStderr:]
	}

	if err != nil {
		perr := &ProcessError{Reason: ExitReasonUnknown, ExitCode: -1, Stderr: errText, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			perr.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				perr.Reason = DetermineExitReason(perr.ExitCode, ws)
			} else {
				perr.Reason = ExitReasonError
			}
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			perr.Reason = ExitReasonTimeout
		}
		return "", perr
	}

	outcome := strings.TrimSpace(stdout.String())
	if outcome == "" {
		return "", &ProcessError{Reason: ExitReasonEmpty, Stderr: errText}
	}
	return outcome, nil
}
