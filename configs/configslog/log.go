package configslog

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log structured, SLog sugared loggers shared by the whole application.
// Both start as no-op loggers so packages can log before InitLogger runs.
var (
	Log  = zap.NewNop()
	SLog = Log.Sugar()
)

// InitLogger builds the global loggers from APP_ENV and LOG_LEVEL.
func InitLogger() {
	var cfg zap.Config
	if strings.EqualFold(os.Getenv("APP_ENV"), "development") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(lvl)); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
	}

	logger, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		// fall back to the production defaults rather than running blind
		logger = zap.Must(zap.NewProduction())
	}
	SetLogger(logger)
}

// SetLogger replaces the global loggers. Tests use it with zaptest loggers.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	Log = logger
	SLog = logger.Sugar()
}

// SyncLogger flushes buffered entries; call it deferred from main.
func SyncLogger() {
	_ = Log.Sync()
}
