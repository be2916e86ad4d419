package runlock

import "go.uber.org/fx"

var Module = fx.Module("run.lock",
	fx.Provide(NewBillingRunLock),
)
