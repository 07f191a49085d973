package migration

import (
	"github.com/smallbiznis/cascade/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Provide(Apply),
	fx.Invoke(func(Status) {}),
)

const (
	ModeSQL  = "sql"
	ModeAuto = "auto"
)

// Status describes the schema after Apply.
type Status struct {
	Driver  string `json:"driver"`
	Mode    string `json:"mode"`
	Version uint   `json:"version,omitempty"`
	Models  int    `json:"models"`
}

// Apply brings the schema up to date. Postgres runs the embedded SQL
// migrations; other drivers, or DATABASE_AUTO_MIGRATE, fall back to AutoMigrate.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) (Status, error) {
	log = log.Named("migration")
	status := Status{Driver: cfg.DBType, Mode: ModeSQL, Models: len(Models())}

	if cfg.DBType != "postgres" || cfg.DBAutoMigrate {
		status.Mode = ModeAuto
		log.Info("auto migrating schema", zap.String("driver", cfg.DBType), zap.Int("models", status.Models))
		return status, conn.AutoMigrate(Models()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return status, err
	}
	status.Version, err = runSQL(sqlDB, log)
	if err != nil {
		return status, err
	}
	log.Info("schema migrated", zap.Uint("version", status.Version))
	return status, nil
}
