package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.discord",
	fx.Provide(
		NewSession,
		provideClient,
		func(c *Client) Provider { return c },
	),
)

// GatewayModule opens the realtime connection. Apps that only sweep leave it out.
var GatewayModule = fx.Module("providers.discord.gateway",
	fx.Invoke(RunGateway),
)

func provideClient(session *discordgo.Session, cfg config.OnboardingConfig, log *zap.Logger) *Client {
	return NewClient(session, log, cfg.InteractionTTL)
}
