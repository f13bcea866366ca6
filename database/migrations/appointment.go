package migrations

import (
	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MigrateAppointmentsTable creates the appointments table.
func MigrateAppointmentsTable(db *gorm.DB) error {
	configslog.SLog.Info("Migrating appointments table...")
	if err := db.AutoMigrate(&models.Appointment{}); err != nil {
		configslog.Log.Error("Failed to migrate appointments table", zap.Error(err))
		return err
	}
	configslog.SLog.Info("Appointments table migrated successfully")
	return nil
}
