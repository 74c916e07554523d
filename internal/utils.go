package internal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// https://adithayyil.tech/posts/go-type-safe-contexts/

// CtxKey represents a type-safe context key
type CtxKey[T any] struct {
	name string
}

// NewCtxKey creates a new typed context key
func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

// String implements fmt.Stringer for debugging
func (k CtxKey[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

// SetCtxKey stores a value in the context with type safety
func SetCtxKey[T any](ctx context.Context, key CtxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// GetCtxKey retrieves a value from the context with type safety
func GetCtxKey[T any](ctx context.Context, key CtxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

// RequestIDKey carries the ID of the client request a write belongs to.
var RequestIDKey = NewCtxKey[string]("request-id")

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return SetCtxKey(ctx, RequestIDKey, id)
}

// RequestID returns the request ID stored in ctx, or "" if there is none.
func RequestID(ctx context.Context) string {
	id, _ := GetCtxKey(ctx, RequestIDKey)
	return id
}

// EnsureRequestID returns ctx unchanged when it already carries a request ID,
// otherwise a child context with a freshly generated one.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}
