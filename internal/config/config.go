package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	ClinicTimezone string

	StartNumber      int
	OnlineStartTime  string
	OnlineEndTime    string
	MaxOnlineEntries int

	SessionTTL        time.Duration
	SessionGCInterval time.Duration

	AssignmentEnabled bool
	AssignmentTime    string

	KafkaBrokers     []string
	KafkaTopic       string
	DispatchInterval time.Duration
	DispatchBatch    int

	RateLimitPerMinute int
	RateLimitBurst     int

	LogLevel  string
	LogFormat string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		ClinicTimezone: readString("CLINIC_TIMEZONE", "Asia/Tashkent"),

		StartNumber:      readInt("QUEUE_START_NUMBER", 1),
		OnlineStartTime:  readString("ONLINE_START_TIME", "07:00"),
		OnlineEndTime:    readString("ONLINE_END_TIME", "09:00"),
		MaxOnlineEntries: readInt("MAX_ONLINE_ENTRIES", 15),

		SessionTTL:        readDurationSeconds("SESSION_TTL_SECONDS", 600),
		SessionGCInterval: readDurationSeconds("SESSION_GC_INTERVAL_SECONDS", 300),

		AssignmentEnabled: readBool("MORNING_ASSIGNMENT_ENABLED", false),
		AssignmentTime:    readString("MORNING_ASSIGNMENT_TIME", "06:30"),

		KafkaBrokers:     readList("KAFKA_BROKERS"),
		KafkaTopic:       readString("KAFKA_TOPIC", "clinicq.events"),
		DispatchInterval: readDurationSeconds("DISPATCH_INTERVAL_SECONDS", 2),
		DispatchBatch:    readInt("DISPATCH_BATCH_SIZE", 50),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),

		LogLevel:  readString("LOG_LEVEL", "info"),
		LogFormat: readString("LOG_FORMAT", "json"),
	}
}

func readString(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func readList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
