package configsredis

import (
	"context"
	"os"
	"strconv"
	"time"

	"tercuman.link/configs/configslog"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var client *redis.Client

// InitRedis connects to REDIS_ADDR and pings it once.
func InitRedis() error {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	dbIndex, _ := strconv.Atoi(os.Getenv("REDIS_DB"))

	client = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           dbIndex,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		configslog.Log.Error("Redis ping failed", zap.String("addr", addr), zap.Error(err))
		return err
	}
	configslog.SLog.Infof("Redis connection established: %s", addr)
	return nil
}

// GetRedis returns the shared client, nil when InitRedis was not called.
func GetRedis() *redis.Client {
	return client
}

// CloseRedis closes the shared client.
func CloseRedis() {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		configslog.Log.Error("Error closing redis", zap.Error(err))
	}
}
