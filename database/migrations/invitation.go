package migrations

import (
	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MigrateInterpreterOutcomesTable creates the append-only invitation ledger.
func MigrateInterpreterOutcomesTable(db *gorm.DB) error {
	configslog.SLog.Info("Migrating interpreter_outcomes table...")
	if err := db.AutoMigrate(&models.InterpreterOutcome{}); err != nil {
		configslog.Log.Error("Failed to migrate interpreter_outcomes table", zap.Error(err))
		return err
	}
	configslog.SLog.Info("Interpreter_outcomes table migrated successfully")
	return nil
}
