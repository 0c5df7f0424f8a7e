// Package ingress normalizes gateway events and feeds them to the onboarding
// executor one at a time.
package ingress

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
)

type EventType string

const (
	EventMemberUpdate   EventType = "member_update"
	EventComponentClick EventType = "component_click"
	EventCommand        EventType = "command"
)

const (
	CommandUpdateBaseRoles = "update_base_roles"
	CommandPing            = "ping"

	OptionMode = "mode"
	ModeSilent = "silent"
	ModeLoud   = "loud"
)

// Event is one of MemberUpdate, ComponentClick or Command.
type Event interface {
	Type() EventType
}

// Replier answers the member who triggered an interaction.
type Replier func(ctx context.Context, msg memberdomain.OutgoingMessage) error

// MemberUpdate reports a change of a member. Before is nil when the previous
// snapshot was not cached.
type MemberUpdate struct {
	GuildID snowflake.ID
	Before  *memberdomain.Member
	After   memberdomain.Member
}

func (MemberUpdate) Type() EventType { return EventMemberUpdate }

// ComponentClick is a press on the entry button or a role selection.
type ComponentClick struct {
	// GuildID is zero for clicks inside direct messages.
	GuildID  snowflake.ID
	UserID   snowflake.ID
	CustomID string
	Values   []snowflake.ID
	// IssuedAt is when the message carrying the component was sent.
	IssuedAt time.Time
	Reply    Replier
}

func (ComponentClick) Type() EventType { return EventComponentClick }

type Command struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
	Name    string
	Options map[string]string
	// Latency is the gateway heartbeat latency at receipt.
	Latency time.Duration
	Reply   Replier
}

func (Command) Type() EventType { return EventCommand }

// Mode returns the update_base_roles mode, silent unless loud was asked for.
func (c Command) Mode() string {
	if c.Options[OptionMode] == ModeLoud {
		return ModeLoud
	}
	return ModeSilent
}

type envelope struct {
	id         string
	receivedAt time.Time
	event      Event
}
