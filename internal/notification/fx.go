package notification

import (
	"context"
	"time"

	billingdomain "github.com/paccoastponds/pondops/internal/billing/domain"
	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(
		NewDispatcher,
		func(d *Dispatcher) billingdomain.FailureNotifier { return d },
		func(d *Dispatcher) paymentdomain.PaymentFailureNotifier { return d },
	),
	fx.Invoke(registerFlush),
)

func registerFlush(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			return d.Flush(ctx)
		},
	})
}
