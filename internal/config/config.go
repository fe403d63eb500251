// Package config reads the environment for all tablesync binaries.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jogardn/tablesync/internal/events"
	"github.com/jogardn/tablesync/internal/reconcile"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/internal/storage"
	"github.com/sirupsen/logrus"
)

type SMTP struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       []string
}

func (s SMTP) Enabled() bool {
	return s.Host != "" && len(s.To) > 0
}

type Config struct {
	Port     string
	LogLevel string

	// DB.Host empty means the authority is kept in memory only.
	DB        storage.Config
	RedisAddr string

	KafkaBrokers string
	SyncTopic    string
	KafkaGroupID string

	PollInterval   time.Duration
	DebounceWindow time.Duration

	IntakeURL  string
	WSURL      string
	ReplicaDir string
	Source     string

	StrictStatusTransitions bool

	SlackWebhookURL string
	LineNotifyToken string
	SMTP            SMTP
	SheetWebhookURL string
	PublicBaseURL   string
}

// Load reads every key. defaultPort differs per binary.
func Load(defaultPort string) *Config {
	hostname, _ := os.Hostname()

	return &Config{
		Port:     getEnv("PORT", defaultPort),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DB: storage.Config{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "tablesync"),
			Password: getEnv("DB_PASSWORD", "tablesync"),
			Name:     getEnv("DB_NAME", "tablesync"),
		},
		RedisAddr:               getEnv("REDIS_ADDR", ""),
		KafkaBrokers:            getEnv("KAFKA_BROKERS", ""),
		SyncTopic:               getEnv("SYNC_TOPIC", events.DefaultSyncTopic),
		KafkaGroupID:            getEnv("KAFKA_GROUP_ID", "tablesync-export-worker"),
		PollInterval:            getDuration("POLL_INTERVAL", reconcile.DefaultPollInterval),
		DebounceWindow:          getDuration("DEBOUNCE_WINDOW", replication.DefaultDebounceWindow),
		IntakeURL:               strings.TrimRight(getEnv("INTAKE_URL", ""), "/"),
		WSURL:                   getEnv("WS_URL", ""),
		ReplicaDir:              getEnv("REPLICA_DIR", ""),
		Source:                  getEnv("REPLICA_ID", hostname),
		StrictStatusTransitions: getBool("STRICT_STATUS_TRANSITIONS", false),
		SlackWebhookURL:         getEnv("SLACK_WEBHOOK_URL", ""),
		LineNotifyToken:         getEnv("LINE_NOTIFY_TOKEN", ""),
		SMTP: SMTP{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			To:       getList("SMTP_TO"),
		},
		SheetWebhookURL: getEnv("SHEET_WEBHOOK_URL", ""),
		PublicBaseURL:   strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
	}
}

// NewLogger returns a JSON logger at the given level, falling back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("Unknown log level, using info")
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	// plain integers are milliseconds
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
