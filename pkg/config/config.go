package config

import (
	"log"
	"strings"
	"time"

	"github.com/LingByte/LingLink/pkg/logger"
	"github.com/LingByte/LingLink/pkg/utils"
)

var GlobalConfig *Config

// Config system common config
type Config struct {
	Mode       string           `env:"MODE"`
	StatusAddr string           `env:"STATUS_ADDR"`
	Log        logger.LogConfig // Log configuration

	// Rendezvous store
	StoreBackend string `env:"STORE_BACKEND"` // memory | redis
	RedisAddr    string `env:"REDIS_ADDR"`
	RedisDB      int    `env:"REDIS_DB"`

	// Room lifecycle (store-side sweep of abandoned rooms)
	RoomTTL       time.Duration `env:"ROOM_TTL"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE"`

	// WebRTC
	StunServers  []string      `env:"STUN_SERVERS"`
	RestartGrace time.Duration `env:"ICE_RESTART_GRACE"`
}

func Load() error {
	mode := utils.GetStringOrDefault("MODE", "development")
	if err := utils.LoadEnv(mode); err != nil {
		// Missing .env is fine, everything below has a default.
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}
	GlobalConfig = &Config{
		Mode:       mode,
		StatusAddr: utils.GetStringOrDefault("STATUS_ADDR", ":7080"),
		Log: logger.LogConfig{
			Level:      utils.GetStringOrDefault("LOG_LEVEL", "info"),
			Filename:   utils.GetStringOrDefault("LOG_FILENAME", "./logs/linglink.log"),
			MaxSize:    utils.GetIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     utils.GetIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: utils.GetIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      utils.GetBoolOrDefault("LOG_DAILY", true),
		},
		StoreBackend:  utils.GetStringOrDefault("STORE_BACKEND", "memory"),
		RedisAddr:     utils.GetStringOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisDB:       utils.GetIntOrDefault("REDIS_DB", 0),
		RoomTTL:       utils.GetDurationOrDefault("ROOM_TTL", 24*time.Hour),
		SweepSchedule: utils.GetStringOrDefault("SWEEP_SCHEDULE", "@every 10m"),
		StunServers:   splitList(utils.GetStringOrDefault("STUN_SERVERS", "stun:stun.l.google.com:19302")),
		RestartGrace:  utils.GetDurationOrDefault("ICE_RESTART_GRACE", 3*time.Second),
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
