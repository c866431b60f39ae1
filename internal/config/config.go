package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                    string
	DatabaseURL             string
	StoreDriver             string
	AutoMigrate             bool
	MaxQueueSize            int
	DefaultWorkerCapacity   int
	ReconcileInterval       time.Duration
	CleanupInterval         time.Duration
	PreparationTimeout      time.Duration
	HistoryRetention        time.Duration
	QueueMaxAge             time.Duration
	WaitMinutesPerPosition  int
	ResetRoundRobinDaily    bool
	Location                *time.Location
	WorkerProvider          string
	ManagerProvider         string
	NotifyQueueSize         int
	NotifyWorkers           int
	WebhookURL              string
	WebhookToken            string
	AMQPURL                 string
	AMQPExchange            string
	RateLimitPerMinute      int
	RateLimitBurst          int
	VenueRateLimitPerMinute int
	VenueRateLimitBurst     int
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                    port,
		DatabaseURL:             os.Getenv("DB_DSN"),
		StoreDriver:             readString("STORE_DRIVER", "postgres"),
		AutoMigrate:             readBool("AUTO_MIGRATE", false),
		MaxQueueSize:            readInt("MAX_QUEUE_SIZE", 100),
		DefaultWorkerCapacity:   readInt("DEFAULT_WORKER_CAPACITY", 5),
		ReconcileInterval:       readDurationSeconds("RECONCILE_INTERVAL_SECONDS", 30),
		CleanupInterval:         readDurationSeconds("CLEANUP_INTERVAL_SECONDS", 3600),
		PreparationTimeout:      readDurationMinutes("PREPARATION_TIMEOUT_MINUTES", 45),
		HistoryRetention:        readDuration("HISTORY_RETENTION_DAYS", 30, 24*time.Hour),
		QueueMaxAge:             readDuration("QUEUE_MAX_AGE_HOURS", 24, time.Hour),
		WaitMinutesPerPosition:  readInt("QUEUE_WAIT_MINUTES_PER_POSITION", 5),
		ResetRoundRobinDaily:    readBool("RESET_ROUND_ROBIN_DAILY", true),
		Location:                readLocation("TIMEZONE"),
		WorkerProvider:          readString("NOTIFY_WORKER_PROVIDER", "log"),
		ManagerProvider:         readString("NOTIFY_MANAGER_PROVIDER", "log"),
		NotifyQueueSize:         readInt("NOTIFY_QUEUE_SIZE", 256),
		NotifyWorkers:           readInt("NOTIFY_WORKERS", 2),
		WebhookURL:              os.Getenv("NOTIFY_WEBHOOK_URL"),
		WebhookToken:            os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		AMQPURL:                 os.Getenv("AMQP_URL"),
		AMQPExchange:            readString("AMQP_EXCHANGE", "notifications_fanout"),
		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		VenueRateLimitPerMinute: readInt("VENUE_RATE_LIMIT_PER_MIN", 600),
		VenueRateLimitBurst:     readInt("VENUE_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readLocation(key string) *time.Location {
	name := strings.TrimSpace(os.Getenv(key))
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("config %s=%q invalid, using local time: %v", key, name, err)
		return time.Local
	}
	return loc
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMinutes(key string, fallback int) time.Duration {
	return readDuration(key, fallback, time.Minute)
}

func readDuration(key string, fallback int, unit time.Duration) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * unit
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
