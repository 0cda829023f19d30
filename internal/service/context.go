package service

import "context"

type contextKey string

const (
	clientKey  contextKey = "api_client"
	traceIDKey contextKey = "trace_id"
)

// ClientInfo is the authenticated producer behind a request.
type ClientInfo struct {
	ID   uint64
	Name string
}

// WithClient injects the producer identity into the context
func WithClient(ctx context.Context, c *ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// GetClientInfo retrieves the producer identity from the context
func GetClientInfo(ctx context.Context) *ClientInfo {
	val, ok := ctx.Value(clientKey).(*ClientInfo)
	if !ok {
		return nil
	}
	return val
}

// GetClientName returns the producer name, "anonymous" when unauthenticated.
func GetClientName(ctx context.Context) string {
	c := GetClientInfo(ctx)
	if c == nil {
		return "anonymous"
	}
	return c.Name
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	val, _ := ctx.Value(traceIDKey).(string)
	return val
}
