// Package task defines the request, outcome, and response types shared by
// the dispatch hub and the backend bridges.
//
// A Request enters the hub once, is consumed once, and produces exactly one
// Outcome. The Outcome is a tagged variant: exactly one of the kinds below is
// populated, regardless of which backend produced it. The Response is the
// caller-facing envelope derived from the Outcome.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeKind tags the variant carried by an Outcome.
type OutcomeKind string

const (
	// OutcomeSuccess carries a well-formed result payload.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeHandlerError means the handler ran and reported a domain failure.
	OutcomeHandlerError OutcomeKind = "handler_error"
	// OutcomeTimeout means the invocation deadline expired.
	OutcomeTimeout OutcomeKind = "timeout"
	// OutcomeInfraError is a bridge-level fault (spawn failure, load fault, I/O).
	OutcomeInfraError OutcomeKind = "infrastructure_error"
	// OutcomeSandboxViolation means the interpreter sandbox refused the input
	// before executing any part of it.
	OutcomeSandboxViolation OutcomeKind = "sandbox_violation"
)

// Request is a validated task request handed to the hub by the caller.
// Validation (shape, auth) happens upstream; the hub only resolves and runs it.
type Request struct {
	Handler string          `json:"handler"`
	Payload json.RawMessage `json:"payload"`
	Timeout time.Duration   `json:"-"`
	// TimeoutSeconds mirrors Timeout for callers speaking JSON.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	TraceID        string  `json:"trace_id,omitempty"`
}

// EffectiveTimeout resolves the two timeout fields; Timeout wins when both
// are set. Zero means the dispatcher's default applies.
func (r Request) EffectiveTimeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds * float64(time.Second))
	}
	return 0
}

// Outcome is the uniform result contract across all backends.
type Outcome struct {
	Kind      OutcomeKind
	Result    json.RawMessage // set only for OutcomeSuccess
	Err       string          // set for handler_error, infrastructure_error, sandbox_violation
	InfraKind string          // set only for OutcomeInfraError: spawn | protocol | io | model_load | internal
}

// Success builds a success outcome carrying the result payload.
func Success(result json.RawMessage) Outcome {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// HandlerErrorf builds a handler-error outcome.
func HandlerErrorf(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeHandlerError, Err: fmt.Sprintf(format, args...)}
}

// Timeout builds a timeout outcome.
func Timeout() Outcome {
	return Outcome{Kind: OutcomeTimeout, Err: "Timeout"}
}

// InfraErrorf builds an infrastructure-error outcome of the given kind.
func InfraErrorf(kind, format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeInfraError, InfraKind: kind, Err: fmt.Sprintf(format, args...)}
}

// SandboxViolationf builds a sandbox-violation outcome.
func SandboxViolationf(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeSandboxViolation, Err: fmt.Sprintf(format, args...)}
}

// Response is the envelope returned to the caller for every dispatch.
type Response struct {
	Success         bool            `json:"success"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	TaskID          string          `json:"task_id,omitempty"`
}

// ToResponse maps an outcome onto the caller-facing envelope.
func (o Outcome) ToResponse(taskID string, elapsed time.Duration) Response {
	resp := Response{
		TaskID:          taskID,
		ExecutionTimeMS: elapsed.Milliseconds(),
	}
	switch o.Kind {
	case OutcomeSuccess:
		resp.Success = true
		resp.Result = o.Result
	case OutcomeTimeout:
		resp.Error = "Timeout"
	case OutcomeInfraError:
		resp.Error = fmt.Sprintf("InfrastructureError(%s): %s", o.InfraKind, o.Err)
	case OutcomeSandboxViolation:
		resp.Error = fmt.Sprintf("SandboxViolation: %s", o.Err)
	default:
		resp.Error = o.Err
	}
	return resp
}

// Terminal reports whether the outcome kind is one of the defined variants.
// A zero Outcome is not terminal; the hub treats it as an internal fault.
func (o Outcome) Terminal() bool {
	switch o.Kind {
	case OutcomeSuccess, OutcomeHandlerError, OutcomeTimeout, OutcomeInfraError, OutcomeSandboxViolation:
		return true
	}
	return false
}
