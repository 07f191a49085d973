package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	jobKey
	actorTypeKey
	actorIDKey
	memberIDKey
	requestIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return withString(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, runIDKey)
}

func WithJob(ctx context.Context, job string) context.Context {
	return withString(ctx, jobKey, job)
}

func JobFromContext(ctx context.Context) string {
	return stringFrom(ctx, jobKey)
}

// WithActor records who triggered the work: a scheduler job, the CLI or a collaborator.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func WithMemberID(ctx context.Context, memberID string) context.Context {
	return withString(ctx, memberIDKey, memberID)
}

func MemberIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, memberIDKey)
}

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
