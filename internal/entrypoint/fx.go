package entrypoint

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("entrypoint",
	fx.Provide(NewController),
	fx.Invoke(PublishOnStart),
)

// PublishOnStart posts the start button once per process. A failure is logged
// and does not stop the bot; members can still be onboarded by the sweep.
func PublishOnStart(lc fx.Lifecycle, c *Controller, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := c.Publish(ctx); err != nil {
				log.Warn("entrypoint.unavailable", zap.Error(err))
			}
			return nil
		},
	})
}
