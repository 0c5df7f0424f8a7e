package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/observability"
	"github.com/smallbiznis/gatekeeper/internal/onboarding"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"github.com/smallbiznis/gatekeeper/internal/scheduler"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		observability.WithApp(observability.AppSweeper),
		fx.Provide(RegisterSnowflake),
		clock.Module,
		ratelimit.Module,
		discord.Module,

		onboarding.Module,

		// No gateway, no ingress, no server!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
