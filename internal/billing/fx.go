package billing

import (
	"github.com/paccoastponds/pondops/internal/billing/repository"
	"github.com/paccoastponds/pondops/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
