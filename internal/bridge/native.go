package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/experthub/experthub/internal/log"
	"github.com/experthub/experthub/internal/memory"
	"github.com/experthub/experthub/internal/task"
)

// Func is an in-process handler function. Returning an error reports a
// domain failure to the caller; infrastructure faults should be rare here
// and are surfaced by panicking (the bridge converts the panic).
type Func func(ctx context.Context, payload json.RawMessage, mem *memory.Store) (json.RawMessage, error)

// Native wraps an in-process function as an invoker with a fault boundary.
type Native struct {
	name   string
	fn     Func
	logger *slog.Logger
}

// NewNative wraps fn under the given handler name.
func NewNative(name string, fn Func) *Native {
	return &Native{
		name:   name,
		fn:     fn,
		logger: log.WithHandler(name),
	}
}

// Invoke runs the function. A panic is contained and reported as an
// infrastructure fault; it never takes down the hub.
func (n *Native) Invoke(ctx context.Context, payload json.RawMessage, mem *memory.Store) (out task.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("native handler panicked", "panic", r)
			out = task.InfraErrorf("internal", "handler %q panicked: %v", n.name, r)
		}
	}()

	result, err := n.fn(ctx, payload, mem)
	if err != nil {
		return task.HandlerErrorf("%s", err.Error())
	}
	return task.Success(result)
}
