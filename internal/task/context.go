package task

import "context"

type ctxKey struct{}

// WithID attaches a task id to ctx so bridges can tag their protocol
// envelopes and logs without threading the id through every signature.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IDFromContext returns the task id attached by WithID, or "".
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
