package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/paccoastponds/pondops/internal/clock"
	"github.com/paccoastponds/pondops/internal/config"
	"github.com/paccoastponds/pondops/internal/notification"
	"github.com/paccoastponds/pondops/internal/observability"
	"github.com/paccoastponds/pondops/internal/payment"
	"github.com/paccoastponds/pondops/internal/providers/email"
	"github.com/paccoastponds/pondops/internal/server"
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

		email.Module,
		notification.Module,
		payment.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	// node 2 keeps receipt ids apart from the scheduler's
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
