package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/paccoastponds/pondops/internal/billing"
	"github.com/paccoastponds/pondops/internal/clock"
	"github.com/paccoastponds/pondops/internal/config"
	"github.com/paccoastponds/pondops/internal/notification"
	"github.com/paccoastponds/pondops/internal/observability"
	"github.com/paccoastponds/pondops/internal/payment"
	"github.com/paccoastponds/pondops/internal/providers/email"
	"github.com/paccoastponds/pondops/internal/runlock"
	"github.com/paccoastponds/pondops/internal/scheduler"
	"github.com/paccoastponds/pondops/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Billing run and its collaborators
		runlock.Module,
		email.Module,
		notification.Module,
		payment.ProcessorModule,
		billing.Module,

		// No server module!
		scheduler.Module,
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
