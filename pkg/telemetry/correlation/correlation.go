package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewEventID returns a lexically sortable correlation ID for an inbound event.
func NewEventID() string {
	return ulid.Make().String()
}

// EnsureEventID guarantees an event ID on the context, generating one when missing.
func EnsureEventID(ctx context.Context) (context.Context, string) {
	id := obscontext.EventIDFromContext(ctx)
	if id == "" {
		id = NewEventID()
	}
	return obscontext.WithEventID(ctx, id), id
}

// AnnotateSpan stamps the event ID on span so traces can be joined with logs.
func AnnotateSpan(span trace.Span, eventID string) {
	if span == nil || eventID == "" {
		return
	}
	span.SetAttributes(attribute.String("event_id", eventID))
}
