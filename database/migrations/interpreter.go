package migrations

import (
	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MigrateInterpreterTables creates the interpreter profile, skill and partner tables.
func MigrateInterpreterTables(db *gorm.DB) error {
	configslog.SLog.Info("Migrating interpreter_profiles, interpreter_skills & company_partners tables...")
	err := db.AutoMigrate(&models.InterpreterProfile{}, &models.InterpreterSkill{}, &models.CompanyPartner{})
	if err != nil {
		configslog.Log.Error("Failed to migrate interpreter tables", zap.Error(err))
		return err
	}
	configslog.SLog.Info("Interpreter tables migrated successfully")
	return nil
}
