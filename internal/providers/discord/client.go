package discord

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	"go.uber.org/zap"
)

const (
	memberPageSize  = 1000
	historyPageSize = 100
	// Bulk delete only accepts messages younger than two weeks.
	bulkDeleteMaxAge = 14 * 24 * time.Hour
)

// Client implements Provider on top of a discordgo session.
type Client struct {
	session        *discordgo.Session
	log            *zap.Logger
	interactionTTL time.Duration

	mu         sync.RWMutex
	botUserID  string
	dmChannels map[snowflake.ID]snowflake.ID
}

func NewClient(session *discordgo.Session, log *zap.Logger, interactionTTL time.Duration) *Client {
	return &Client{
		session:        session,
		log:            log.Named("discord"),
		interactionTTL: interactionTTL,
		dmChannels:     make(map[snowflake.ID]snowflake.ID),
	}
}

var _ Provider = (*Client)(nil)

func (c *Client) Community(ctx context.Context, guildID snowflake.ID) (memberdomain.Community, error) {
	if g, err := c.session.State.Guild(idString(guildID)); err == nil && g.Name != "" {
		return memberdomain.Community{ID: guildID, Name: g.Name}, nil
	}
	g, err := c.session.Guild(idString(guildID), discordgo.WithContext(ctx))
	if err != nil {
		return memberdomain.Community{}, Wrap("get_guild", err)
	}
	return memberdomain.Community{ID: guildID, Name: g.Name}, nil
}

func (c *Client) Members(ctx context.Context, guildID snowflake.ID) iter.Seq2[memberdomain.Member, error] {
	return func(yield func(memberdomain.Member, error) bool) {
		after := ""
		for {
			page, err := c.session.GuildMembers(idString(guildID), after, memberPageSize, discordgo.WithContext(ctx))
			if err != nil {
				yield(memberdomain.Member{}, Wrap("list_members", err))
				return
			}
			for _, m := range page {
				member := c.withDMChannel(ToMember(guildID, m))
				if !yield(member, nil) {
					return
				}
			}
			if len(page) < memberPageSize {
				return
			}
			if last := page[len(page)-1]; last.User != nil {
				after = last.User.ID
			} else {
				return
			}
		}
	}
}

func (c *Client) Member(ctx context.Context, guildID, userID snowflake.ID) (memberdomain.Member, error) {
	m, err := c.session.GuildMember(idString(guildID), idString(userID), discordgo.WithContext(ctx))
	if err != nil {
		return memberdomain.Member{}, Wrap("get_member", err)
	}
	return c.withDMChannel(ToMember(guildID, m)), nil
}

func (c *Client) AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	err := c.session.GuildMemberRoleAdd(idString(guildID), idString(userID), idString(roleID), discordgo.WithContext(ctx))
	return Wrap("add_role", err)
}

func (c *Client) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	err := c.session.GuildMemberRoleRemove(idString(guildID), idString(userID), idString(roleID), discordgo.WithContext(ctx))
	return Wrap("remove_role", err)
}

func (c *Client) SendDirectMessage(ctx context.Context, userID snowflake.ID, msg memberdomain.OutgoingMessage) (snowflake.ID, error) {
	channelID, ok := c.dmChannel(userID)
	if !ok {
		ch, err := c.session.UserChannelCreate(idString(userID), discordgo.WithContext(ctx))
		if err != nil {
			return 0, Wrap("open_dm", err)
		}
		channelID = ParseID(ch.ID)
		c.mu.Lock()
		c.dmChannels[userID] = channelID
		c.mu.Unlock()
	}

	if _, err := c.session.ChannelMessageSendComplex(idString(channelID), toMessageSend(msg), discordgo.WithContext(ctx)); err != nil {
		return 0, Wrap("send_dm", err)
	}
	return channelID, nil
}

func (c *Client) SendChannelMessage(ctx context.Context, channelID snowflake.ID, msg memberdomain.OutgoingMessage) error {
	_, err := c.session.ChannelMessageSendComplex(idString(channelID), toMessageSend(msg), discordgo.WithContext(ctx))
	return Wrap("send_channel", err)
}

// PurgeChannel deletes every message in the channel, newest page first.
func (c *Client) PurgeChannel(ctx context.Context, channelID snowflake.ID) error {
	channel := idString(channelID)
	deleted := 0
	for {
		page, err := c.session.ChannelMessages(channel, historyPageSize, "", "", "", discordgo.WithContext(ctx))
		if err != nil {
			return Wrap("list_messages", err)
		}
		if len(page) == 0 {
			break
		}

		cutoff := time.Now().Add(-bulkDeleteMaxAge)
		var recent []string
		for _, msg := range page {
			if IssuedAt(msg.ID).After(cutoff) {
				recent = append(recent, msg.ID)
				continue
			}
			if err := c.session.ChannelMessageDelete(channel, msg.ID, discordgo.WithContext(ctx)); err != nil {
				return Wrap("delete_message", err)
			}
		}
		switch len(recent) {
		case 0:
		case 1:
			if err := c.session.ChannelMessageDelete(channel, recent[0], discordgo.WithContext(ctx)); err != nil {
				return Wrap("delete_message", err)
			}
		default:
			if err := c.session.ChannelMessagesBulkDelete(channel, recent, discordgo.WithContext(ctx)); err != nil {
				return Wrap("bulk_delete", err)
			}
		}
		deleted += len(page)
	}

	c.log.Debug("discord.channel.purged", zap.String("channel_id", channel), zap.Int("deleted", deleted))
	return nil
}

func (c *Client) RecentMessages(ctx context.Context, channelID snowflake.ID, limit int) iter.Seq2[memberdomain.Message, error] {
	return func(yield func(memberdomain.Message, error) bool) {
		if limit <= 0 {
			return
		}
		botUserID, err := c.selfID(ctx)
		if err != nil {
			yield(memberdomain.Message{}, err)
			return
		}

		before := ""
		remaining := limit
		for remaining > 0 {
			size := min(remaining, historyPageSize)
			page, err := c.session.ChannelMessages(idString(channelID), size, before, "", "", discordgo.WithContext(ctx))
			if err != nil {
				yield(memberdomain.Message{}, Wrap("list_messages", err))
				return
			}
			for _, msg := range page {
				if !yield(toMessage(msg, botUserID, c.interactionTTL), nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			remaining -= len(page)
			before = page[len(page)-1].ID
		}
	}
}

// Respond acknowledges an interaction within Discord's three second window.
// The visible answer follows later through FollowUp.
func (c *Client) Respond(ctx context.Context, i *discordgo.Interaction, ephemeral bool) error {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	return Wrap("interaction_respond", c.session.InteractionRespond(i, resp, discordgo.WithContext(ctx)))
}

func (c *Client) FollowUp(ctx context.Context, i *discordgo.Interaction, msg memberdomain.OutgoingMessage) error {
	_, err := c.session.FollowupMessageCreate(i, true, toWebhookParams(msg), discordgo.WithContext(ctx))
	return Wrap("interaction_followup", err)
}

// RememberDMChannel records a DM channel learned from the gateway.
func (c *Client) RememberDMChannel(userID, channelID snowflake.ID) {
	if userID == 0 || channelID == 0 {
		return
	}
	c.mu.Lock()
	c.dmChannels[userID] = channelID
	c.mu.Unlock()
}

func (c *Client) dmChannel(userID snowflake.ID) (snowflake.ID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.dmChannels[userID]
	return id, ok
}

func (c *Client) withDMChannel(m memberdomain.Member) memberdomain.Member {
	if id, ok := c.dmChannel(m.ID); ok {
		m.DMChannelID = id
	}
	return m
}

func (c *Client) selfID(ctx context.Context) (string, error) {
	c.mu.RLock()
	id := c.botUserID
	c.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	if state := c.session.State; state != nil && state.User != nil {
		id = state.User.ID
	} else {
		u, err := c.session.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			return "", Wrap("get_self", err)
		}
		id = u.ID
	}
	if id == "" {
		return "", Wrap("get_self", errors.New("empty bot user id"))
	}

	c.mu.Lock()
	c.botUserID = id
	c.mu.Unlock()
	return id, nil
}
