// Package entrypoint keeps a single working start button in the entry channel.
package entrypoint

import (
	"context"

	"github.com/smallbiznis/gatekeeper/internal/config"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	obslogger "github.com/smallbiznis/gatekeeper/internal/observability/logger"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Provider   discord.Provider
	Onboarding config.OnboardingConfig
	Messages   *config.MessagesHolder
}

type Controller struct {
	log      *zap.Logger
	provider discord.Provider
	cfg      config.OnboardingConfig
	messages *config.MessagesHolder
}

func NewController(p Params) *Controller {
	return &Controller{
		log:      p.Log.Named("entrypoint"),
		provider: p.Provider,
		cfg:      p.Onboarding,
		messages: p.Messages,
	}
}

// Publish clears the entry channel and posts one fresh start button. Buttons
// posted by an earlier process are removed with everything else.
func (c *Controller) Publish(ctx context.Context) error {
	ctx = obscontext.WithActor(ctx, obscontext.ActorSystem, "entrypoint")
	log := obslogger.WithContext(ctx, c.log).With(zap.String("channel_id", c.cfg.EntryChannelID.String()))

	if err := c.provider.PurgeChannel(ctx, c.cfg.EntryChannelID); err != nil {
		log.Error("entrypoint.purge.failed", zap.Error(err))
		return err
	}

	msgs := c.messages.Get()
	msg := memberdomain.OutgoingMessage{
		Content: msgs.Entry,
		Widget: &memberdomain.Widget{
			Kind:  memberdomain.WidgetEntryPoint,
			Label: msgs.EntryButton,
		},
	}
	if err := c.provider.SendChannelMessage(ctx, c.cfg.EntryChannelID, msg); err != nil {
		log.Error("entrypoint.publish.failed", zap.Error(err))
		return err
	}
	log.Info("entrypoint.published")
	return nil
}
