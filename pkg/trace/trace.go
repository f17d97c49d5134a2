package trace

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// Header trace ID 使用的 HTTP/MQ header 名称
const Header = "X-Trace-ID"

// NewID 生成一个新的 trace ID
func NewID() string {
	return uuid.NewString()
}

// WithContext 将 trace_id 写入 context
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// FromContext 从 context 中取 trace_id，没有则返回空串
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure 保证 context 里有 trace_id：已有则原样返回，否则生成新的
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithContext(ctx, id), id
}
