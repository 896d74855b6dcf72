package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
)

// HeaderRequestID carries the request correlation id in both directions.
const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// NewRequestIDMiddleware echoes the client's X-Request-ID or assigns a new
// one, and stores it in the request context.
func NewRequestIDMiddleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		id := ctx.Header(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		ctx.SetHeader(HeaderRequestID, id)
		next(huma.WithValue(ctx, requestIDKey{}, id))
	}
}

// RequestID returns the id assigned by NewRequestIDMiddleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
