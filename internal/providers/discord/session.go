package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsDirectMessages

// NewSession builds a bot session. REST calls work right away; the gateway
// is only opened by RunGateway.
func NewSession(cfg config.Config) (*discordgo.Session, error) {
	if cfg.Discord.Token == "" {
		return nil, &config.ConfigurationError{Key: "DISCORD_TOKEN", Reason: "is required"}
	}
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "DISCORD_TOKEN", Reason: "invalid", Err: err}
	}
	session.Identify.Intents = intents
	session.StateEnabled = true
	session.State.TrackMembers = true
	session.State.TrackChannels = true
	return session, nil
}

// RunGateway connects to the gateway for the lifetime of the app and keeps
// the DM channel cache of client fed from gateway events.
func RunGateway(lc fx.Lifecycle, session *discordgo.Session, client *Client, log *zap.Logger) {
	log = log.Named("discord.gateway")

	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		for _, ch := range r.PrivateChannels {
			rememberDM(client, ch)
		}
		log.Info("discord.gateway.ready",
			zap.String("user_id", r.User.ID),
			zap.Int("guilds", len(r.Guilds)),
		)
	})
	session.AddHandler(func(_ *discordgo.Session, ev *discordgo.ChannelCreate) {
		rememberDM(client, ev.Channel)
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := session.Open(); err != nil {
				return Wrap("gateway_open", err)
			}
			log.Info("discord.gateway.opened")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("discord.gateway.closing")
			return session.Close()
		},
	})
}

func rememberDM(client *Client, ch *discordgo.Channel) {
	if ch == nil || ch.Type != discordgo.ChannelTypeDM || len(ch.Recipients) != 1 {
		return
	}
	client.RememberDMChannel(ParseID(ch.Recipients[0].ID), ParseID(ch.ID))
}
