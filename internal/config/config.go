package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ControlAddr string
	DataDir     string
	DBPath      string
	CodeDir     string

	MaxAgents    int
	IdleTimeout  time.Duration
	Isolation    string // "process" or "worker"
	CleanupGrace time.Duration
	UnitBinary   string

	ChannelCap    int
	RetentionTTL  time.Duration
	SweepInterval time.Duration
}

func Load() Config {
	_ = godotenv.Load()
	dataDir := getEnv("AGENTRT_DATA_DIR", "data")
	return Config{
		ControlAddr: getEnv("AGENTRT_CONTROL_ADDR", ":8090"),
		DataDir:     dataDir,
		DBPath:      getEnv("AGENTRT_DB_PATH", filepath.Join(dataDir, "agentrt.db")),
		CodeDir:     getEnv("AGENTRT_CODE_DIR", filepath.Join(dataDir, "agent-code")),

		MaxAgents:    getInt("AGENTRT_MAX_AGENTS", 10),
		IdleTimeout:  getDuration("AGENTRT_IDLE_TIMEOUT", 5*time.Minute),
		Isolation:    getEnv("AGENTRT_ISOLATION", "process"),
		CleanupGrace: getDuration("AGENTRT_CLEANUP_GRACE", 5*time.Second),
		UnitBinary:   getEnv("AGENTRT_UNIT_BINARY", "agentrt-unit"),

		ChannelCap:    getInt("AGENTRT_CHANNEL_CAP", 100),
		RetentionTTL:  getDuration("AGENTRT_RETENTION_TTL", time.Hour),
		SweepInterval: getDuration("AGENTRT_SWEEP_INTERVAL", time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
