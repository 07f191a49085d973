package reconcile

import (
	"github.com/smallbiznis/cascade/internal/reconcile/repository"
	"github.com/smallbiznis/cascade/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
