package configsdatabase

import (
	"fmt"
	"os"
	"time"

	"tercuman.link/configs/configslog"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// InitDB opens the postgres connection described by the DB_* variables.
// A missing .env file is not an error; the process environment is used as is.
func InitDB() {
	if err := godotenv.Load(); err != nil {
		configslog.SLog.Debug("No .env file found, using process environment")
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", ""),
		getEnv("DB_NAME", "tercuman"),
		getEnv("DB_SSLMODE", "disable"),
		getEnv("DB_TIMEZONE", "UTC"),
	)

	logLevel := logger.Warn
	if getEnv("APP_ENV", "production") == "development" {
		logLevel = logger.Info
	}

	var err error
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		configslog.Log.Fatal("Failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		configslog.Log.Fatal("Failed to get database pool", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	configslog.SLog.Info("Database connection established")
}

// GetDB returns the shared connection. InitDB must have been called.
func GetDB() *gorm.DB {
	if db == nil {
		configslog.Log.Fatal("GetDB: database not initialized")
	}
	return db
}

// CloseDB closes the pool.
func CloseDB() {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		configslog.Log.Error("Error closing database", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		configslog.Log.Error("Error closing database", zap.Error(err))
		return
	}
	configslog.SLog.Info("Database connection closed")
}
