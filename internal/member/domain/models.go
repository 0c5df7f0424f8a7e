// Package domain contains the member snapshot model and the onboarding state resolver.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Community is the managed guild.
type Community struct {
	ID   snowflake.ID
	Name string
}

// RoleSet is an unordered set of role identifiers.
type RoleSet map[snowflake.ID]struct{}

// NewRoleSet builds a RoleSet from ids, skipping zero values.
func NewRoleSet(ids ...snowflake.ID) RoleSet {
	set := make(RoleSet, len(ids))
	for _, id := range ids {
		set.Add(id)
	}
	return set
}

func (s RoleSet) Has(id snowflake.ID) bool {
	_, ok := s[id]
	return ok
}

func (s RoleSet) Add(id snowflake.ID) {
	if id == 0 {
		return
	}
	s[id] = struct{}{}
}

func (s RoleSet) Remove(id snowflake.ID) {
	delete(s, id)
}

// Clone returns an independent copy; a nil set clones to an empty set.
func (s RoleSet) Clone() RoleSet {
	out := make(RoleSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Member is a point-in-time snapshot of a community member as seen by the transport.
type Member struct {
	ID           snowflake.ID
	DisplayName  string
	Roles        RoleSet
	PendingEntry bool
	JoinedAt     time.Time
	// DMChannelID is zero until a direct-message channel with the member exists.
	DMChannelID snowflake.ID
}

func (m Member) HasDMChannel() bool {
	return m.DMChannelID != 0
}

// Interaction is the response context attached to a message. It stops
// accepting input once ExpiresAt has passed.
type Interaction struct {
	ID        snowflake.ID
	ExpiresAt time.Time
}

func (i Interaction) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Message is a channel history entry.
type Message struct {
	ID          snowflake.ID
	ChannelID   snowflake.ID
	SentAt      time.Time
	Interaction *Interaction
}

// WidgetKind selects the interactive component attached to an outgoing message.
type WidgetKind string

const (
	WidgetNone       WidgetKind = ""
	WidgetEntryPoint WidgetKind = "entry_point"
	WidgetRolePrompt WidgetKind = "role_prompt"
)

// RoleOption is one selectable role offered by the onboarding prompt.
type RoleOption struct {
	RoleID      snowflake.ID
	Label       string
	Description string
}

// Widget describes an interactive component independent of how the transport renders it.
type Widget struct {
	Kind        WidgetKind
	Label       string
	Placeholder string
	Options     []RoleOption
}

// OutgoingMessage is a message the core asks the transport to deliver.
type OutgoingMessage struct {
	Content   string
	Widget    *Widget
	Ephemeral bool
}
