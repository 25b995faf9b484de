package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Session   SessionConfig
	Sync      SyncConfig
	Watcher   WatcherConfig
	WebSocket WebSocketConfig
	Logging   LoggingConfig
}

type SessionConfig struct {
	// Secret used to sign session tokens handed out on handshake. Generated
	// per process when unset; sessions never survive a restart anyway.
	TokenSecret     string
	TokenExpiration time.Duration
}

type SyncConfig struct {
	// How often a client polls the host for new changes.
	PollInterval time.Duration
	// How long tombstones and compacted change-log entries are retained.
	// Clients lagging past this horizon must re-snapshot.
	Retention time.Duration
	// How long an echo mark survives if the matching watcher event never
	// arrives (platform coalesced it away).
	EchoTTL time.Duration
	// Delay between reconnect attempts after a dropped connection.
	ReconnectDelay time.Duration
}

type WatcherConfig struct {
	// Window over which rapid successive writes to one path are coalesced.
	DebounceWindow time.Duration
	// Directory/file names excluded from watching and snapshots.
	IgnoreNames []string
	// Capacity of the queue between the watch loop and its consumer.
	QueueSize int
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	SendBuffer      int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var defaultIgnoreNames = []string{".git", ".vasc-collab-backup", "node_modules", ".DS_Store", "Thumbs.db"}

func Load() (*Config, error) {
	godotenv.Load()

	pollInterval, err := time.ParseDuration(getEnv("VASC_POLL_INTERVAL", "500ms"))
	if err != nil {
		return nil, err
	}

	retention, err := time.ParseDuration(getEnv("VASC_RETENTION", "5m"))
	if err != nil {
		return nil, err
	}

	debounce, err := time.ParseDuration(getEnv("VASC_DEBOUNCE_WINDOW", "150ms"))
	if err != nil {
		return nil, err
	}

	echoTTL, err := time.ParseDuration(getEnv("VASC_ECHO_TTL", "5s"))
	if err != nil {
		return nil, err
	}

	ignore := defaultIgnoreNames
	if extra := getEnv("VASC_IGNORE", ""); extra != "" {
		for _, name := range strings.Split(extra, ",") {
			if name = strings.TrimSpace(name); name != "" {
				ignore = append(ignore, name)
			}
		}
	}

	return &Config{
		Session: SessionConfig{
			TokenSecret:     getEnv("VASC_SESSION_SECRET", ""),
			TokenExpiration: 24 * time.Hour,
		},
		Sync: SyncConfig{
			PollInterval:   pollInterval,
			Retention:      retention,
			EchoTTL:        echoTTL,
			ReconnectDelay: 3 * time.Second,
		},
		Watcher: WatcherConfig{
			DebounceWindow: debounce,
			IgnoreNames:    ignore,
			QueueSize:      getEnvAsInt("VASC_WATCH_QUEUE_SIZE", 4096),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("VASC_WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getEnvAsInt("VASC_WS_WRITE_BUFFER_SIZE", 4096),
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			PingPeriod:      54 * time.Second,
			SendBuffer:      getEnvAsInt("VASC_WS_SEND_BUFFER", 256),
		},
		Logging: LoggingConfig{
			Level:  getEnv("VASC_LOG_LEVEL", "info"),
			Format: getEnv("VASC_LOG_FORMAT", "console"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
