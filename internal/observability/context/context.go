package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	runIDKey     ctxKey = "run_id"
	eventIDKey   ctxKey = "event_id"
	memberIDKey  ctxKey = "member_id"
	actorTypeKey ctxKey = "actor_type"
	actorIDKey   ctxKey = "actor_id"
)

const (
	ActorSystem = "system"
	ActorMember = "member"
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithRunID tags work done inside one sweep run.
func WithRunID(ctx stdcontext.Context, runID string) stdcontext.Context {
	return withString(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, runIDKey)
}

// WithEventID tags work triggered by one ingress event.
func WithEventID(ctx stdcontext.Context, eventID string) stdcontext.Context {
	return withString(ctx, eventIDKey, eventID)
}

func EventIDFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, eventIDKey)
}

func WithMemberID(ctx stdcontext.Context, memberID string) stdcontext.Context {
	return withString(ctx, memberIDKey, memberID)
}

func MemberIDFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, memberIDKey)
}

func WithActor(ctx stdcontext.Context, actorType, actorID string) stdcontext.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx stdcontext.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func withString(ctx stdcontext.Context, key ctxKey, value string) stdcontext.Context {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, key, value)
}

func stringFrom(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
