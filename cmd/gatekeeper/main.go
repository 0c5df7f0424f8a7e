package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/entrypoint"
	"github.com/smallbiznis/gatekeeper/internal/ingress"
	"github.com/smallbiznis/gatekeeper/internal/observability"
	"github.com/smallbiznis/gatekeeper/internal/onboarding"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"github.com/smallbiznis/gatekeeper/internal/scheduler"
	"github.com/smallbiznis/gatekeeper/internal/server"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		observability.WithApp(observability.AppGateway),
		fx.Provide(RegisterSnowflake),
		clock.Module,
		ratelimit.Module,
		discord.Module,
		server.Module,

		// Functional Domains
		onboarding.Module,
		scheduler.Module,
		ingress.Module,
		entrypoint.Module,

		// Handlers are attached by ingress before the gateway opens.
		discord.GatewayModule,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
