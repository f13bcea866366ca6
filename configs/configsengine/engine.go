package configsengine

import (
	"strings"
	"time"

	"tercuman.link/configs/configslog"

	"github.com/spf13/viper"
)

// Lock backends.
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Notifier backends.
const (
	NotifierLog   = "log"
	NotifierKafka = "kafka"
)

// EngineConfig holds every tunable of the matching engine.
type EngineConfig struct {
	TickInterval time.Duration
	TickJitter   time.Duration
	TickBatch    int
	TickWorkers  int

	FirstWaveWindow          time.Duration
	SecondWaveWindow         time.Duration
	OnDemandFirstWaveWindow  time.Duration
	OnDemandSecondWaveWindow time.Duration
	OnDemandSearchDeadline   time.Duration
	SearchCutoff             time.Duration
	MinSearchWindow          time.Duration

	FirstWaveSize  int
	SecondWaveSize int

	LockBackend string
	LockTTL     time.Duration

	Notifier     string
	KafkaBrokers []string
	KafkaTopic   string

	// Policies; string values are parsed by the services package.
	SameInterpreterConflictPolicy string
	ExpiryCascadePolicy           string
	RepeatHistoryPolicy           string
	RepeatOnExpiry                bool

	HTTPAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENGINE_TICK_INTERVAL", "30s")
	v.SetDefault("ENGINE_TICK_JITTER", "5s")
	v.SetDefault("ENGINE_TICK_BATCH", 200)
	v.SetDefault("ENGINE_TICK_WORKERS", 8)

	v.SetDefault("ENGINE_FIRST_WAVE_WINDOW", "15m")
	v.SetDefault("ENGINE_SECOND_WAVE_WINDOW", "30m")
	v.SetDefault("ENGINE_ON_DEMAND_FIRST_WAVE_WINDOW", "2m")
	v.SetDefault("ENGINE_ON_DEMAND_SECOND_WAVE_WINDOW", "3m")
	v.SetDefault("ENGINE_ON_DEMAND_SEARCH_DEADLINE", "10m")
	v.SetDefault("ENGINE_SEARCH_CUTOFF", "2h")
	v.SetDefault("ENGINE_MIN_SEARCH_WINDOW", "10m")

	v.SetDefault("ENGINE_FIRST_WAVE_SIZE", 10)
	v.SetDefault("ENGINE_SECOND_WAVE_SIZE", 50)

	v.SetDefault("ENGINE_LOCK_BACKEND", LockBackendLocal)
	v.SetDefault("ENGINE_LOCK_TTL", "30s")

	v.SetDefault("ENGINE_NOTIFIER", NotifierLog)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "appointment-order-events")

	v.SetDefault("ENGINE_SAME_INTERPRETER_CONFLICT_POLICY", "reopen_slot")
	v.SetDefault("ENGINE_EXPIRY_CASCADE_POLICY", "isolate")
	v.SetDefault("ENGINE_REPEAT_HISTORY_POLICY", "inherit")
	v.SetDefault("ENGINE_REPEAT_ON_EXPIRY", false)

	v.SetDefault("HTTP_ADDR", ":8080")
}

// Load reads the engine configuration from the environment (and .env, if present).
func Load() EngineConfig {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		configslog.SLog.Debugf("engine config: no .env file read: %v", err)
	}

	return EngineConfig{
		TickInterval: v.GetDuration("ENGINE_TICK_INTERVAL"),
		TickJitter:   v.GetDuration("ENGINE_TICK_JITTER"),
		TickBatch:    v.GetInt("ENGINE_TICK_BATCH"),
		TickWorkers:  v.GetInt("ENGINE_TICK_WORKERS"),

		FirstWaveWindow:          v.GetDuration("ENGINE_FIRST_WAVE_WINDOW"),
		SecondWaveWindow:         v.GetDuration("ENGINE_SECOND_WAVE_WINDOW"),
		OnDemandFirstWaveWindow:  v.GetDuration("ENGINE_ON_DEMAND_FIRST_WAVE_WINDOW"),
		OnDemandSecondWaveWindow: v.GetDuration("ENGINE_ON_DEMAND_SECOND_WAVE_WINDOW"),
		OnDemandSearchDeadline:   v.GetDuration("ENGINE_ON_DEMAND_SEARCH_DEADLINE"),
		SearchCutoff:             v.GetDuration("ENGINE_SEARCH_CUTOFF"),
		MinSearchWindow:          v.GetDuration("ENGINE_MIN_SEARCH_WINDOW"),

		FirstWaveSize:  v.GetInt("ENGINE_FIRST_WAVE_SIZE"),
		SecondWaveSize: v.GetInt("ENGINE_SECOND_WAVE_SIZE"),

		LockBackend: strings.ToLower(v.GetString("ENGINE_LOCK_BACKEND")),
		LockTTL:     v.GetDuration("ENGINE_LOCK_TTL"),

		Notifier:     strings.ToLower(v.GetString("ENGINE_NOTIFIER")),
		KafkaBrokers: splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:   v.GetString("KAFKA_TOPIC"),

		SameInterpreterConflictPolicy: v.GetString("ENGINE_SAME_INTERPRETER_CONFLICT_POLICY"),
		ExpiryCascadePolicy:           v.GetString("ENGINE_EXPIRY_CASCADE_POLICY"),
		RepeatHistoryPolicy:           v.GetString("ENGINE_REPEAT_HISTORY_POLICY"),
		RepeatOnExpiry:                v.GetBool("ENGINE_REPEAT_ON_EXPIRY"),

		HTTPAddr: v.GetString("HTTP_ADDR"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
