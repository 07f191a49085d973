package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/cascade/internal/config"
	obslogger "github.com/smallbiznis/cascade/internal/observability/logger"
	obstracing "github.com/smallbiznis/cascade/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const probeTimeout = 2 * time.Second

// Module serves the operational endpoints of the engine daemon: liveness,
// readiness and the prometheus scrape.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(run),
)

type Params struct {
	fx.In

	Log   *zap.Logger
	DB    *gorm.DB
	Redis *redis.Client `optional:"true"`
}

func NewEngine(p Params) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(p.Log.Named("http"), "/healthz", "/readyz", "/metrics"))
	r.Use(obstracing.GinMiddleware("/healthz", "/metrics"))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", readiness(p.DB, p.Redis))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// readiness reports unavailable while the database, or redis when configured,
// cannot be reached.
func readiness(db *gorm.DB, client *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		checks := gin.H{}
		ready := true

		probe := func(name string, check func(context.Context) error) {
			spanCtx, span := obstracing.Start(ctx, "http", "readyz."+name)
			err := check(spanCtx)
			obstracing.End(span, err)
			if err != nil {
				checks[name] = err.Error()
				ready = false
				return
			}
			checks[name] = "ok"
		}
		probe("database", func(ctx context.Context) error { return pingDB(ctx, db) })
		if client != nil {
			probe("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		}

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ready, "checks": checks})
	}
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("database not configured")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
