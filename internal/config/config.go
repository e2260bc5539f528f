package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RelayURL             string
	RelayListenAddr      string
	STUNServers          []string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	PendingSendLimit     int
}

func Load() *Config {
	return &Config{
		RelayURL:             getEnv("RELAY_URL", "ws://localhost:8090"),
		RelayListenAddr:      getEnv("RELAY_LISTEN_ADDR", ":8090"),
		STUNServers:          splitEnv("STUN_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"),
		ConnectTimeout:       time.Duration(getEnvInt("CONNECT_TIMEOUT_SEC", 4)) * time.Second,
		MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 2),
		InitialBackoff:       time.Duration(getEnvInt("INITIAL_BACKOFF_MS", 1000)) * time.Millisecond,
		PendingSendLimit:     getEnvInt("PENDING_SEND_LIMIT", 32),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitEnv(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
