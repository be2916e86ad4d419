package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/paccoastponds/pondops/internal/billing"
	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	"github.com/paccoastponds/pondops/internal/clock"
	"github.com/paccoastponds/pondops/internal/config"
	"github.com/paccoastponds/pondops/internal/notification"
	"github.com/paccoastponds/pondops/internal/observability"
	obscontext "github.com/paccoastponds/pondops/internal/observability/context"
	"github.com/paccoastponds/pondops/internal/payment"
	"github.com/paccoastponds/pondops/internal/providers/email"
	"github.com/paccoastponds/pondops/internal/runlock"
	"github.com/paccoastponds/pondops/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// billingrun bills the prior month once and prints the report. Meant for an
// external cron in place of the long-running scheduler.
func main() {
	var (
		svc billingdomain.Service
		cfg config.Config
		log *zap.Logger
	)

	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		runlock.Module,
		email.Module,
		notification.Module,
		payment.ProcessorModule,
		billing.Module,
		fx.Populate(&svc, &cfg, &log),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		os.Stderr.WriteString("billingrun: start: " + err.Error() + "\n")
		os.Exit(1)
	}

	code := run(svc, cfg, log)

	// stop flushes queued notifications before exit
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		log.Warn("billingrun.stop_failed", zap.Error(err))
	}
	os.Exit(code)
}

func run(svc billingdomain.Service, cfg config.Config, log *zap.Logger) int {
	ctx := obscontext.WithActor(context.Background(), "system", "billingrun")
	if cfg.Scheduler.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Scheduler.RunTimeout)
		defer cancel()
	}

	report, err := svc.RunMonthlyBilling(ctx)
	if err != nil {
		log.Error("billingrun.failed", zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Error("billingrun.report_failed", zap.Error(err))
		return 1
	}
	return 0
}
