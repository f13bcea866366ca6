package database

import (
	"errors"

	"tercuman.link/configs/configslog"
	"tercuman.link/database/migrations"
	"tercuman.link/database/seeders"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Initialize runs migrations and/or seeders in one transaction.
func Initialize(db *gorm.DB, migrate bool, seed bool) error {
	if !migrate && !seed {
		configslog.SLog.Info("Neither migrate nor seed requested, nothing to do.")
		return nil
	}

	configslog.SLog.Info("Database initialization starting...")
	err := db.Transaction(func(tx *gorm.DB) error {
		if migrate {
			if err := RunMigrationsInOrder(tx); err != nil {
				return err
			}
		} else {
			configslog.SLog.Info("Migrate flag not set, skipping migrations.")
		}
		if seed {
			if err := CheckAndRunSeeders(tx); err != nil {
				return err
			}
		} else {
			configslog.SLog.Info("Seed flag not set, skipping seeders.")
		}
		return nil
	})
	if err != nil {
		configslog.Log.Error("Database initialization rolled back", zap.Error(err))
		return err
	}
	configslog.SLog.Info("Database initialization completed")
	return nil
}

// RunMigrationsInOrder creates every engine table. Appointments and groups come
// before orders, which reference both.
func RunMigrationsInOrder(db *gorm.DB) error {
	steps := []struct {
		name string
		run  func(*gorm.DB) error
	}{
		{"appointment", migrations.MigrateAppointmentsTable},
		{"order", migrations.MigrateOrderTables},
		{"interpreter outcome", migrations.MigrateInterpreterOutcomesTable},
		{"interpreter", migrations.MigrateInterpreterTables},
	}
	for _, step := range steps {
		configslog.SLog.Infof(" -> Running %s migrations...", step.name)
		if err := step.run(db); err != nil {
			configslog.Log.Error("Migration failed", zap.String("step", step.name), zap.Error(err))
			return err
		}
	}
	configslog.SLog.Info("All migrations completed.")
	return nil
}

// CheckAndRunSeeders runs the interpreter seeder.
func CheckAndRunSeeders(db *gorm.DB) error {
	configslog.SLog.Info(" -> Running interpreter seeder...")
	if err := seeders.SeedInterpreters(db); err != nil {
		return errors.Join(errors.New("interpreter seeding failed"), err)
	}
	configslog.SLog.Info("All seeders completed.")
	return nil
}
