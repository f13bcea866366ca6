package migrations

import (
	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MigrateOrderTables creates groups before orders so the group foreign key resolves.
func MigrateOrderTables(db *gorm.DB) error {
	configslog.SLog.Info("Migrating appointment_order_groups & appointment_orders tables...")
	if err := db.AutoMigrate(&models.AppointmentOrderGroup{}, &models.AppointmentOrder{}); err != nil {
		configslog.Log.Error("Failed to migrate appointment order tables", zap.Error(err))
		return err
	}
	configslog.SLog.Info("Appointment order tables migrated successfully")
	return nil
}
