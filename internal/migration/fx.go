package migration

import (
	"strings"

	"github.com/smallbiznis/creatorledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		switch cfg.DBType {
		case "postgres":
		case "sqlite":
			log.Warn("applying embedded schema without migration tracking", zap.String("db_type", cfg.DBType))
			return ApplySQLite(conn)
		default:
			log.Warn("schema migrations skipped, manage the schema externally", zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

// ApplySQLite executes the embedded up migrations directly on a sqlite
// connection. All statements are idempotent (IF NOT EXISTS).
func ApplySQLite(conn *gorm.DB) error {
	stmts, err := UpStatements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := conn.Exec(sqliteTypes.Replace(stmt)).Error; err != nil {
			return err
		}
	}
	return nil
}

// the sqlite driver only parses timestamps for DATETIME-declared columns
var sqliteTypes = strings.NewReplacer(
	"TIMESTAMPTZ", "DATETIME",
	"JSONB", "TEXT",
)
