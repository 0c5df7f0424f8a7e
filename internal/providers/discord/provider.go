package discord

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
)

// Provider is the chat transport the onboarding core depends on.
type Provider interface {
	Community(ctx context.Context, guildID snowflake.ID) (memberdomain.Community, error)
	// Members lists every member lazily, page by page. Ranging again restarts
	// from the first page.
	Members(ctx context.Context, guildID snowflake.ID) iter.Seq2[memberdomain.Member, error]
	Member(ctx context.Context, guildID, userID snowflake.ID) (memberdomain.Member, error)
	AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	// SendDirectMessage opens the DM channel on demand and returns its ID.
	SendDirectMessage(ctx context.Context, userID snowflake.ID, msg memberdomain.OutgoingMessage) (snowflake.ID, error)
	SendChannelMessage(ctx context.Context, channelID snowflake.ID, msg memberdomain.OutgoingMessage) error
	PurgeChannel(ctx context.Context, channelID snowflake.ID) error
	// RecentMessages yields at most limit messages, newest first.
	RecentMessages(ctx context.Context, channelID snowflake.ID, limit int) iter.Seq2[memberdomain.Message, error]
}

// ErrThrottled is reported when a direct message is refused by the local rate limiter.
var ErrThrottled = errors.New("direct message throttled")

// TransportError wraps any failure talking to the chat service. It is always
// recoverable: the next event or sweep retries.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("discord %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("discord %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MetricReason maps the failure to a low-cardinality label.
func (e *TransportError) MetricReason() string {
	switch {
	case errors.Is(e.Err, ErrThrottled), e.Status == http.StatusTooManyRequests:
		return "rate_limited"
	case e.Status == http.StatusForbidden:
		return "forbidden"
	case e.Status == http.StatusNotFound:
		return "not_found"
	default:
		return "transport"
	}
}

// NotFound reports whether the target no longer exists, e.g. a member who left.
func (e *TransportError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// Wrap converts err into a *TransportError. It returns nil for nil and keeps
// an existing *TransportError untouched.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	wrapped := &TransportError{Op: op, Err: err}
	var restErr *discordgo.RESTError
	var rateErr *discordgo.RateLimitError
	switch {
	case errors.As(err, &restErr) && restErr.Response != nil:
		wrapped.Status = restErr.Response.StatusCode
	case errors.As(err, &rateErr):
		wrapped.Status = http.StatusTooManyRequests
	}
	return wrapped
}

// IsNotFound reports whether err is a transport 404.
func IsNotFound(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.NotFound()
}
