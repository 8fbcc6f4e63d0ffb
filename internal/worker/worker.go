// ============================================================================
// Button-Agent Executors - Task Execution Units
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: The two ways a task definition is actually executed
//
// Executors:
//   OperationExecutor - looks the reference string up in operations.Catalogue
//                       and calls it in-process
//   CommandExecutor   - runs the command line through "sh -c" in its own
//                       process group
//
// Result payloads (recorded on DONE):
//   operation: {"success": true, "result": <return value>}
//   shell:     {"success": true, "stdout": "...", "stderr": "...", "exit_code": 0}
//
// Timeout Control:
//   CommandExecutor derives a context.WithTimeout from the caller's context.
//   On expiry or cancellation the whole process group receives SIGKILL, so
//   children spawned by the shell do not outlive the job.
//
// Error Handling:
//   - Non-zero exit: *ExitError carrying the captured output
//   - Timeout: ErrCommandTimeout
//   - Caller cancellation: wraps ctx.Err() (context.Canceled)
//   - Operation failure: returned as-is
//
// ============================================================================

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

	"github.com/ChuLiYu/button-agent/internal/operations"
	"github.com/ChuLiYu/button-agent/pkg/types"
)

// DefaultCommandTimeout upper bound for a single external command
const DefaultCommandTimeout = 300 * time.Second

// ErrCommandTimeout the command exceeded its timeout and was killed
var ErrCommandTimeout = errors.New("command timed out")

// stderrTail how much stderr an ExitError message carries
const stderrTail = 200

// ExitError a command that ran to completion with a non-zero exit code
type ExitError struct {
	Code   int
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command exited with code %d", e.Code)
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
		msg += ": " + tail
	}
	return msg
}

// OperationExecutor invokes in-process operations
type OperationExecutor struct {
	catalogue *operations.Catalogue
}

// NewOperationExecutor creates an executor over the given catalogue
func NewOperationExecutor(catalogue *operations.Catalogue) *OperationExecutor {
	return &OperationExecutor{catalogue: catalogue}
}

// Execute looks up def.Module and calls it
func (e *OperationExecutor) Execute(ctx context.Context, def types.TaskDefinition) (any, error) {
	fn, err := e.catalogue.Lookup(def.Module)
	if err != nil {
		return nil, err
	}
	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "result": v}, nil
}

// CommandExecutor runs external commands
type CommandExecutor struct {
	timeout time.Duration
	shell   string
}

// NewCommandExecutor creates an executor; timeout <= 0 selects DefaultCommandTimeout
func NewCommandExecutor(timeout time.Duration) *CommandExecutor {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandExecutor{timeout: timeout, shell: "sh"}
}

// Execute runs def.Command and waits for it, its timeout, or ctx cancellation
func (e *CommandExecutor) Execute(ctx context.Context, def types.TaskDefinition) (any, error) {
	if def.Command == "" {
		return nil, errors.New("command is empty")
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.Command(e.shell, "-c", def.Command)
	// own process group so the whole tree can be killed
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-runCtx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w after %s", ErrCommandTimeout, e.timeout)
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	if exitCode != 0 {
		return nil, &ExitError{Code: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
	}

	return map[string]any{
		"success":   true,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}
