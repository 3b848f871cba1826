package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/experthub/experthub/internal/log"
	"github.com/experthub/experthub/internal/memory"
	"github.com/experthub/experthub/internal/protocol"
	"github.com/experthub/experthub/internal/task"
)

const (
	// maxStderrBytes caps the amount of stderr captured from an execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultRunTimeout = 30 * time.Second
)

// Subprocess invokes a handler that lives in an external executable speaking
// the stdin/stdout envelope protocol. Plugin artifacts and statically
// configured handlers both use this path.
type Subprocess struct {
	entrypoint string
	args       []string
	handler    string
	logger     *slog.Logger
}

// NewSubprocess builds a subprocess invoker after validating the argument
// list against the policy.
func NewSubprocess(entrypoint string, args []string, handler string) (*Subprocess, error) {
	if entrypoint == "" {
		return nil, errors.New("entrypoint must not be empty")
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}
	return &Subprocess{
		entrypoint: entrypoint,
		args:       args,
		handler:    handler,
		logger:     log.WithHandler(handler),
	}, nil
}

// Invoke runs one op=invoke round trip. The invocation deadline comes from
// ctx; the process is terminated with SIGTERM then SIGKILL if it outlives it.
func (s *Subprocess) Invoke(ctx context.Context, payload json.RawMessage, mem *memory.Store) task.Outcome {
	timeout := defaultRunTimeout
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return task.Timeout()
		}
	} else {
		deadline = time.Now().Add(timeout)
	}

	req := &protocol.Request{
		Protocol:   protocol.Version,
		TaskID:     task.IDFromContext(ctx),
		Op:         protocol.OpInvoke,
		Handler:    s.handler,
		Payload:    payload,
		DeadlineAt: deadline,
	}

	resp, stderr, err := Run(ctx, s.entrypoint, s.args, req, timeout, s.logger)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return task.Timeout()
		}
		if stderr != "" {
			s.logger.Error("subprocess failed", "error", err, "stderr", stderr)
		}
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			return task.InfraErrorf("protocol", "%v", err)
		}
		return task.InfraErrorf("spawn", "%v", err)
	}

	for _, entry := range resp.Logs {
		s.logger.Info("handler log", "level", entry.Level, "message", entry.Message)
	}

	if resp.Status == "error" {
		return task.HandlerErrorf("%s", resp.Error)
	}

	if len(resp.StateUpdates) > 0 && mem != nil {
		patch, merr := json.Marshal(resp.StateUpdates)
		if merr == nil {
			merr = mem.ShallowMerge("handler:"+s.handler, patch)
		}
		if merr != nil {
			s.logger.Error("failed to apply state updates", "error", merr)
		}
	}

	return task.Success(resp.Result)
}

// ProtocolError marks a failure to decode the subprocess's stdout as a valid
// envelope, as opposed to a failure to run the process at all.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// Run spawns the executable, writes req to stdin, and reads the response
// envelope from stdout. It enforces the timeout itself: SIGTERM, a grace
// period, then SIGKILL, and always reaps the process before returning.
// On timeout it returns context.DeadlineExceeded.
func Run(
	ctx context.Context,
	entrypoint string,
	args []string,
	req *protocol.Request,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Termination is managed here, not by CommandContext, so the grace
	// period between SIGTERM and SIGKILL is honored.
	cmd := exec.Command(entrypoint, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning subprocess", "entrypoint", entrypoint, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("subprocess timed out, sending SIGTERM")
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("subprocess exited after SIGTERM")
		case <-grace.C:
			logger.Warn("subprocess did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr
		}

		return nil, truncateStderr(stderr.String()), context.DeadlineExceeded

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, truncateStderr(stderr.String()), fmt.Errorf("write request: %w", werr)
		}

		stderrStr := truncateStderr(stderr.String())

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Warn("subprocess exited with non-zero status", "exit_code", exitErr.ExitCode())
			} else {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode subprocess response", "error", err, "stdout", string(rawBytes))
			return nil, stderrStr, &ProtocolError{Err: fmt.Errorf("decode response: %w", err)}
		}
		return resp, stderrStr, nil
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
