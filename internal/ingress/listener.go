package ingress

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/config"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"go.uber.org/zap"
)

// Discord drops interactions that are not acknowledged within three seconds.
const ackTimeout = 2500 * time.Millisecond

type responder interface {
	Respond(ctx context.Context, i *discordgo.Interaction, ephemeral bool) error
	FollowUp(ctx context.Context, i *discordgo.Interaction, msg memberdomain.OutgoingMessage) error
}

type submitter interface {
	Submit(ev Event) bool
}

// Listener turns discordgo gateway callbacks into events. It acknowledges
// interactions itself so the answer can follow from the worker.
type Listener struct {
	log       *zap.Logger
	cfg       config.OnboardingConfig
	client    responder
	events    submitter
	heartbeat func() time.Duration
}

func NewListener(log *zap.Logger, cfg config.OnboardingConfig, client responder, events submitter, heartbeat func() time.Duration) *Listener {
	return &Listener{
		log:       log.Named("ingress.listener"),
		cfg:       cfg,
		client:    client,
		events:    events,
		heartbeat: heartbeat,
	}
}

// RegisterListener attaches the gateway handlers. Nothing is received until
// the gateway is opened.
func RegisterListener(session *discordgo.Session, client *discord.Client, dispatcher *Dispatcher, cfg config.OnboardingConfig, log *zap.Logger) *Listener {
	l := NewListener(log, cfg, client, dispatcher, session.HeartbeatLatency)

	session.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildMemberUpdate) {
		l.OnMemberUpdate(ev)
	})
	session.AddHandler(func(_ *discordgo.Session, ev *discordgo.InteractionCreate) {
		l.OnInteraction(ev)
	})
	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		l.registerCommands(s, r)
	})
	return l
}

func (l *Listener) OnMemberUpdate(ev *discordgo.GuildMemberUpdate) {
	if ev == nil || ev.Member == nil {
		return
	}
	l.events.Submit(memberUpdateEvent(ev))
}

func (l *Listener) OnInteraction(ev *discordgo.InteractionCreate) {
	if ev == nil || ev.Interaction == nil {
		return
	}
	i := ev.Interaction

	var (
		event     Event
		ephemeral bool
	)
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		click, ok := clickEvent(i)
		if !ok {
			return
		}
		click.Reply = l.replier(i)
		event, ephemeral = click, true
	case discordgo.InteractionApplicationCommand:
		cmd := commandEvent(i)
		if cmd.Name != CommandUpdateBaseRoles && cmd.Name != CommandPing {
			return
		}
		if l.heartbeat != nil {
			cmd.Latency = l.heartbeat()
		}
		cmd.Reply = l.replier(i)
		event, ephemeral = cmd, cmd.Name == CommandPing || cmd.Mode() == ModeSilent
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := l.client.Respond(ctx, i, ephemeral); err != nil {
		l.log.Warn("ingress.interaction.ack_failed",
			zap.String("event_type", string(event.Type())),
			zap.Error(err),
		)
	}
	l.events.Submit(event)
}

func (l *Listener) replier(i *discordgo.Interaction) Replier {
	return func(ctx context.Context, msg memberdomain.OutgoingMessage) error {
		return l.client.FollowUp(ctx, i, msg)
	}
}

func (l *Listener) registerCommands(s *discordgo.Session, r *discordgo.Ready) {
	appID := ""
	if r.Application != nil {
		appID = r.Application.ID
	} else if r.User != nil {
		appID = r.User.ID
	}
	if appID == "" {
		l.log.Warn("ingress.commands.skipped", zap.String("reason", "unknown application id"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.ApplicationCommandBulkOverwrite(appID, l.cfg.GuildID.String(), Commands(), discordgo.WithContext(ctx))
	if err != nil {
		l.log.Error("ingress.commands.register_failed", zap.Error(discord.Wrap("register_commands", err)))
		return
	}
	l.log.Info("ingress.commands.registered", zap.Int("count", len(Commands())))
}

// Commands are the guild slash commands the bot answers.
func Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        CommandUpdateBaseRoles,
			Description: "Update your base roles",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        OptionMode,
					Description: "silent answers only you, loud answers the channel",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: ModeSilent, Value: ModeSilent},
						{Name: ModeLoud, Value: ModeLoud},
					},
				},
			},
		},
		{
			Name:        CommandPing,
			Description: "Check if Bot available",
		},
	}
}

func memberUpdateEvent(ev *discordgo.GuildMemberUpdate) MemberUpdate {
	guildID := discord.ParseID(ev.GuildID)
	out := MemberUpdate{
		GuildID: guildID,
		After:   discord.ToMember(guildID, ev.Member),
	}
	if ev.BeforeUpdate != nil {
		before := discord.ToMember(guildID, ev.BeforeUpdate)
		out.Before = &before
	}
	return out
}

func clickEvent(i *discordgo.Interaction) (ComponentClick, bool) {
	data := i.MessageComponentData()
	if data.CustomID != discord.CustomIDStart && data.CustomID != discord.CustomIDSelect {
		return ComponentClick{}, false
	}

	click := ComponentClick{
		GuildID:  discord.ParseID(i.GuildID),
		UserID:   interactionUserID(i),
		CustomID: data.CustomID,
	}
	for _, raw := range data.Values {
		if id := discord.ParseID(raw); id != 0 {
			click.Values = append(click.Values, id)
		}
	}
	if i.Message != nil {
		click.IssuedAt = discord.IssuedAt(i.Message.ID)
	}
	return click, click.UserID != 0
}

func commandEvent(i *discordgo.Interaction) Command {
	data := i.ApplicationCommandData()
	cmd := Command{
		GuildID: discord.ParseID(i.GuildID),
		UserID:  interactionUserID(i),
		Name:    data.Name,
		Options: make(map[string]string, len(data.Options)),
	}
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			cmd.Options[opt.Name] = opt.StringValue()
		}
	}
	return cmd
}

func interactionUserID(i *discordgo.Interaction) snowflake.ID {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return discord.ParseID(i.Member.User.ID)
	case i.User != nil:
		return discord.ParseID(i.User.ID)
	default:
		return 0
	}
}
