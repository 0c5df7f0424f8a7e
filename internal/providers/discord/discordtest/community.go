// Package discordtest provides an in-memory Provider for tests.
package discordtest

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
)

// Operation names accepted by FailNext.
const (
	OpCommunity    = "get_guild"
	OpListMembers  = "list_members"
	OpGetMember    = "get_member"
	OpAddRole      = "add_role"
	OpRemoveRole   = "remove_role"
	OpSendDM       = "send_dm"
	OpSendChannel  = "send_channel"
	OpPurge        = "purge"
	OpListMessages = "list_messages"
)

// ErrInjected is the cause of failures scheduled with FailNext.
var ErrInjected = errors.New("injected failure")

// Sent is one delivered message.
type Sent struct {
	ID        snowflake.ID
	ChannelID snowflake.ID
	UserID    snowflake.ID
	SentAt    time.Time
	Message   memberdomain.OutgoingMessage
}

// Community is a single fake guild. All methods are safe for concurrent use.
type Community struct {
	mu    sync.Mutex
	clock clock.Clock
	node  *snowflake.Node
	ttl   time.Duration

	community memberdomain.Community
	order     []snowflake.ID
	members   map[snowflake.ID]memberdomain.Member
	history   map[snowflake.ID][]memberdomain.Message
	sent      []Sent
	failures  map[string]int
	calls     map[string]int
}

var _ discord.Provider = (*Community)(nil)

func New(guildID snowflake.ID, name string, clk clock.Clock, interactionTTL time.Duration) *Community {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return &Community{
		clock:     clk,
		node:      node,
		ttl:       interactionTTL,
		community: memberdomain.Community{ID: guildID, Name: name},
		members:   make(map[snowflake.ID]memberdomain.Member),
		history:   make(map[snowflake.ID][]memberdomain.Message),
		failures:  make(map[string]int),
		calls:     make(map[string]int),
	}
}

// AddMember stores or replaces a member. The guild's base role is added.
func (c *Community) AddMember(m memberdomain.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m.Roles = m.Roles.Clone()
	m.Roles.Add(c.community.ID)
	if _, ok := c.members[m.ID]; !ok {
		c.order = append(c.order, m.ID)
	}
	c.members[m.ID] = m
}

// RemoveMember simulates a member leaving.
func (c *Community) RemoveMember(userID snowflake.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, userID)
	c.order = slices.DeleteFunc(c.order, func(id snowflake.ID) bool { return id == userID })
}

// Snapshot returns the current member as the transport sees it.
func (c *Community) Snapshot(userID snowflake.ID) (memberdomain.Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[userID]
	if !ok {
		return memberdomain.Member{}, false
	}
	m.Roles = m.Roles.Clone()
	return m, true
}

// SetPending flips the rules-screen flag.
func (c *Community) SetPending(userID snowflake.ID, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.members[userID]; ok {
		m.PendingEntry = pending
		c.members[userID] = m
	}
}

// OpenDMChannel creates the member's DM channel without sending anything.
func (c *Community) OpenDMChannel(userID snowflake.ID) snowflake.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openDMLocked(userID)
}

// AppendHistory adds msg as the newest entry of channelID.
func (c *Community) AppendHistory(channelID snowflake.ID, msg memberdomain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ID == 0 {
		msg.ID = c.node.Generate()
	}
	msg.ChannelID = channelID
	c.history[channelID] = append(c.history[channelID], msg)
}

// FailNext makes the next n calls of op return a transport error.
func (c *Community) FailNext(op string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] += n
}

// Calls reports how often op was invoked.
func (c *Community) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// DirectMessages returns the DMs sent to userID, oldest first.
func (c *Community) DirectMessages(userID snowflake.ID) []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Sent
	for _, s := range c.sent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// ChannelMessages returns the messages currently visible in a guild channel.
func (c *Community) ChannelMessages(channelID snowflake.ID) []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Sent
	for _, s := range c.sent {
		if s.UserID == 0 && s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

func (c *Community) Community(ctx context.Context, guildID snowflake.ID) (memberdomain.Community, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked(OpCommunity, guildID); err != nil {
		return memberdomain.Community{}, err
	}
	return c.community, nil
}

func (c *Community) Members(ctx context.Context, guildID snowflake.ID) iter.Seq2[memberdomain.Member, error] {
	return func(yield func(memberdomain.Member, error) bool) {
		c.mu.Lock()
		if err := c.enterLocked(OpListMembers, guildID); err != nil {
			c.mu.Unlock()
			yield(memberdomain.Member{}, err)
			return
		}
		snapshot := make([]memberdomain.Member, 0, len(c.order))
		for _, id := range c.order {
			m := c.members[id]
			m.Roles = m.Roles.Clone()
			snapshot = append(snapshot, m)
		}
		c.mu.Unlock()

		for _, m := range snapshot {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (c *Community) Member(ctx context.Context, guildID, userID snowflake.ID) (memberdomain.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked(OpGetMember, guildID); err != nil {
		return memberdomain.Member{}, err
	}
	m, ok := c.members[userID]
	if !ok {
		return memberdomain.Member{}, notFound(OpGetMember)
	}
	m.Roles = m.Roles.Clone()
	return m, nil
}

func (c *Community) AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked(OpAddRole, guildID); err != nil {
		return err
	}
	m, ok := c.members[userID]
	if !ok {
		return notFound(OpAddRole)
	}
	m.Roles.Add(roleID)
	c.members[userID] = m
	return nil
}

func (c *Community) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked(OpRemoveRole, guildID); err != nil {
		return err
	}
	m, ok := c.members[userID]
	if !ok {
		return notFound(OpRemoveRole)
	}
	m.Roles.Remove(roleID)
	c.members[userID] = m
	return nil
}

func (c *Community) SendDirectMessage(ctx context.Context, userID snowflake.ID, msg memberdomain.OutgoingMessage) (snowflake.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked(OpSendDM, c.community.ID); err != nil {
		return 0, err
	}
	if _, ok := c.members[userID]; !ok {
		return 0, notFound(OpSendDM)
	}
	channelID := c.openDMLocked(userID)
	c.deliverLocked(channelID, userID, msg)
	return channelID, nil
}

func (c *Community) SendChannelMessage(ctx context.Context, channelID snowflake.ID, msg memberdomain.OutgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked(OpSendChannel, c.community.ID); err != nil {
		return err
	}
	c.deliverLocked(channelID, 0, msg)
	return nil
}

func (c *Community) PurgeChannel(ctx context.Context, channelID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enterLocked(OpPurge, c.community.ID); err != nil {
		return err
	}
	delete(c.history, channelID)
	c.sent = slices.DeleteFunc(c.sent, func(s Sent) bool {
		return s.UserID == 0 && s.ChannelID == channelID
	})
	return nil
}

func (c *Community) RecentMessages(ctx context.Context, channelID snowflake.ID, limit int) iter.Seq2[memberdomain.Message, error] {
	return func(yield func(memberdomain.Message, error) bool) {
		c.mu.Lock()
		if err := c.enterLocked(OpListMessages, c.community.ID); err != nil {
			c.mu.Unlock()
			yield(memberdomain.Message{}, err)
			return
		}
		entries := c.history[channelID]
		newestFirst := make([]memberdomain.Message, 0, min(limit, len(entries)))
		for i := len(entries) - 1; i >= 0 && len(newestFirst) < limit; i-- {
			newestFirst = append(newestFirst, entries[i])
		}
		c.mu.Unlock()

		for _, msg := range newestFirst {
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (c *Community) enterLocked(op string, guildID snowflake.ID) error {
	c.calls[op]++
	if c.failures[op] > 0 {
		c.failures[op]--
		return &discord.TransportError{Op: op, Err: ErrInjected}
	}
	if guildID != c.community.ID {
		return notFound(op)
	}
	return nil
}

func (c *Community) openDMLocked(userID snowflake.ID) snowflake.ID {
	m, ok := c.members[userID]
	if !ok {
		return 0
	}
	if m.DMChannelID == 0 {
		m.DMChannelID = c.node.Generate()
		c.members[userID] = m
	}
	return m.DMChannelID
}

func (c *Community) deliverLocked(channelID, userID snowflake.ID, msg memberdomain.OutgoingMessage) {
	now := c.clock.Now()
	id := c.node.Generate()
	c.sent = append(c.sent, Sent{
		ID:        id,
		ChannelID: channelID,
		UserID:    userID,
		SentAt:    now,
		Message:   msg,
	})

	entry := memberdomain.Message{ID: id, ChannelID: channelID, SentAt: now}
	if msg.Widget != nil {
		entry.Interaction = &memberdomain.Interaction{ID: id, ExpiresAt: now.Add(c.ttl)}
	}
	c.history[channelID] = append(c.history[channelID], entry)
}

func notFound(op string) error {
	return &discord.TransportError{Op: op, Status: 404, Err: errors.New("unknown member or guild")}
}
