package ingress

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("ingress",
	fx.Provide(NewDispatcher),
	fx.Provide(RegisterListener),
	fx.Invoke(RunDispatcher),
)

// RunDispatcher starts the worker. The listener is requested so its handlers
// are attached before the gateway opens.
func RunDispatcher(lc fx.Lifecycle, d *Dispatcher, _ *Listener) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				d.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
