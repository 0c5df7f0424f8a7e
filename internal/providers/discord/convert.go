package discord

import (
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
)

// ParseID converts a Discord string ID. Malformed IDs become zero.
func ParseID(raw string) snowflake.ID {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func idString(id snowflake.ID) string {
	return id.String()
}

// ToMember converts a gateway or REST member. The guild's default role is
// added explicitly since Discord omits it.
func ToMember(guildID snowflake.ID, m *discordgo.Member) memberdomain.Member {
	if m == nil {
		return memberdomain.Member{}
	}
	roles := memberdomain.NewRoleSet(guildID)
	for _, raw := range m.Roles {
		roles.Add(ParseID(raw))
	}

	out := memberdomain.Member{
		Roles:        roles,
		PendingEntry: m.Pending,
		JoinedAt:     m.JoinedAt.UTC(),
		DisplayName:  m.Nick,
	}
	if m.User != nil {
		out.ID = ParseID(m.User.ID)
		if out.DisplayName == "" {
			out.DisplayName = m.User.GlobalName
		}
		if out.DisplayName == "" {
			out.DisplayName = m.User.Username
		}
	}
	return out
}

// toMessage converts a history entry. A message carries an interaction when
// it answers a command, or when the bot attached components to it; the
// latter stay usable for ttl after sending.
func toMessage(msg *discordgo.Message, botUserID string, ttl time.Duration) memberdomain.Message {
	out := memberdomain.Message{
		ID:        ParseID(msg.ID),
		ChannelID: ParseID(msg.ChannelID),
		SentAt:    msg.Timestamp.UTC(),
	}

	switch {
	case msg.Interaction != nil:
		issued, err := discordgo.SnowflakeTimestamp(msg.Interaction.ID)
		if err != nil {
			issued = out.SentAt
		}
		out.Interaction = &memberdomain.Interaction{
			ID:        ParseID(msg.Interaction.ID),
			ExpiresAt: issued.UTC().Add(ttl),
		}
	case len(msg.Components) > 0 && msg.Author != nil && msg.Author.ID == botUserID:
		out.Interaction = &memberdomain.Interaction{
			ID:        out.ID,
			ExpiresAt: out.SentAt.Add(ttl),
		}
	}
	return out
}

// IssuedAt returns when the message with the given ID was created.
func IssuedAt(messageID string) time.Time {
	ts, err := discordgo.SnowflakeTimestamp(messageID)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
