package ledger

import (
	"github.com/smallbiznis/cascade/internal/ledger/cache"
	"github.com/smallbiznis/cascade/internal/ledger/repository"
	"github.com/smallbiznis/cascade/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewEarningsCache),
	fx.Provide(service.NewService),
)
