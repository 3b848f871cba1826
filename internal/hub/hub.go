// Package hub is the dispatch core: it resolves a task request to a
// registered handler, runs it under a concurrency permit and a deadline, and
// turns whatever happened into exactly one caller-facing response.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/experthub/experthub/internal/config"
	"github.com/experthub/experthub/internal/events"
	"github.com/experthub/experthub/internal/governor"
	"github.com/experthub/experthub/internal/log"
	"github.com/experthub/experthub/internal/memory"
	"github.com/experthub/experthub/internal/registry"
	"github.com/experthub/experthub/internal/storage"
	"github.com/experthub/experthub/internal/task"
)

// Hub wires the registry, governor, shared state, audit log, and event bus
// into the single Dispatch entry point.
type Hub struct {
	registry *registry.Registry
	governor *governor.Governor
	mem      *memory.Store
	audit    *storage.AuditLog
	events   *events.Hub
	cfg      config.HubConfig
	logger   *slog.Logger
}

// New assembles a hub. audit may be nil, in which case dispatches are not
// persisted.
func New(
	reg *registry.Registry,
	gov *governor.Governor,
	mem *memory.Store,
	audit *storage.AuditLog,
	evts *events.Hub,
	cfg config.HubConfig,
) *Hub {
	return &Hub{
		registry: reg,
		governor: gov,
		mem:      mem,
		audit:    audit,
		events:   evts,
		cfg:      cfg,
		logger:   log.WithComponent("hub"),
	}
}

// Dispatch runs one task to completion and always returns a response; no
// failure mode inside the hub or a backend escapes as a panic or a bare
// error. The call blocks until the task finishes, times out, or is rejected.
func (h *Hub) Dispatch(ctx context.Context, req task.Request) task.Response {
	taskID := uuid.NewString()
	start := time.Now()
	logger := log.WithTask(taskID).With("handler", req.Handler)

	if req.Handler == "" {
		return h.reject(logger, taskID, req.Handler, "HandlerNotFound", start)
	}

	desc, err := h.registry.Resolve(req.Handler)
	if err != nil {
		logger.Warn("unknown handler")
		return h.reject(logger, taskID, req.Handler, "HandlerNotFound", start)
	}
	if desc.Warning != "" {
		logger.Warn("dispatching to unverified handler", "warning", desc.Warning)
	}

	permit, err := h.governor.Acquire(ctx)
	if err != nil {
		// The governor reports saturation and caller cancellation as distinct
		// errors; keep them distinct in the response and the audit row.
		reason := "Overloaded"
		if !errors.Is(err, governor.ErrOverloaded) {
			reason = "Cancelled"
		}
		logger.Warn("dispatch rejected", "reason", reason, "error", err)
		return h.reject(logger, taskID, req.Handler, reason, start)
	}

	timeout := h.clampTimeout(req.EffectiveTimeout())
	invCtx, cancel := context.WithTimeout(task.WithID(ctx, taskID), timeout)
	defer cancel()

	logger.Info("dispatching task", "backend", desc.Backend, "timeout", timeout)

	outcomeCh := make(chan task.Outcome, 1)
	go func() {
		defer permit.Release()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("invoker panicked", "panic", r)
				outcomeCh <- task.InfraErrorf("internal", "handler panicked: %v", r)
			}
		}()
		outcomeCh <- desc.Invoker.Invoke(invCtx, req.Payload, h.mem)
	}()

	var outcome task.Outcome
	select {
	case outcome = <-outcomeCh:
	case <-invCtx.Done():
		// The deadline wins even if the backend ignores cancellation. The
		// permit is released here so a runaway invocation cannot pin a slot;
		// Release is idempotent when the goroutine eventually finishes.
		outcome = task.Timeout()
		permit.Release()
	}

	if !outcome.Terminal() {
		outcome = task.InfraErrorf("internal", "handler produced no outcome")
	}

	elapsed := time.Since(start)
	resp := outcome.ToResponse(taskID, elapsed)
	h.finish(logger, taskID, req.Handler, string(outcome.Kind), resp.Error, elapsed)
	return resp
}

// clampTimeout applies the default and the cap to a caller-supplied timeout.
func (h *Hub) clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return h.cfg.DefaultTimeout
	}
	if requested > h.cfg.MaxTimeout {
		return h.cfg.MaxTimeout
	}
	return requested
}

func (h *Hub) reject(logger *slog.Logger, taskID, handler, reason string, start time.Time) task.Response {
	elapsed := time.Since(start)
	if h.events != nil {
		h.events.Publish(events.TypeDispatchRejected, map[string]any{
			"task_id": taskID, "handler": handler, "reason": reason,
		})
	}
	h.record(logger, taskID, handler, "rejected", reason, elapsed)
	return task.Response{
		Error:           reason,
		ExecutionTimeMS: elapsed.Milliseconds(),
		TaskID:          taskID,
	}
}

func (h *Hub) finish(logger *slog.Logger, taskID, handler, outcome, errMsg string, elapsed time.Duration) {
	if errMsg == "" {
		logger.Info("task completed", "outcome", outcome, "duration_ms", elapsed.Milliseconds())
	} else {
		logger.Warn("task failed", "outcome", outcome, "error", errMsg, "duration_ms", elapsed.Milliseconds())
	}
	if h.events != nil {
		h.events.Publish(events.TypeDispatchCompleted, map[string]any{
			"task_id": taskID, "handler": handler, "outcome": outcome,
			"duration_ms": elapsed.Milliseconds(),
		})
	}
	h.record(logger, taskID, handler, outcome, errMsg, elapsed)
}

func (h *Hub) record(logger *slog.Logger, taskID, handler, outcome, errMsg string, elapsed time.Duration) {
	if h.audit == nil {
		return
	}
	err := h.audit.Record(storage.Entry{
		TaskID:     taskID,
		Handler:    handler,
		Outcome:    outcome,
		Error:      errMsg,
		DurationMS: elapsed.Milliseconds(),
	})
	if err != nil {
		logger.Error("failed to record audit entry", "error", err)
	}
}

// InFlight reports how many tasks currently hold permits.
func (h *Hub) InFlight() int {
	return h.governor.InFlight()
}
