package network

import (
	"github.com/smallbiznis/cascade/internal/network/repository"
	"github.com/smallbiznis/cascade/internal/network/service"
	"go.uber.org/fx"
)

var Module = fx.Module("network.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
