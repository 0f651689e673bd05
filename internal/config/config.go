// Package config loads service configuration from the environment (optionally seeded
// from a .env file) and an optional YAML policy file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	DatabaseURL string
	DBMigrate   bool
	RedisURL    string

	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
	AMQPURL      string
	AMQPExchange string
	KafkaBrokers []string
	KafkaTopic   string

	NotifyGatewayURL string
	WebhookSecret    string
	AlertMaxAttempts int
	AlertRateRPS     float64

	SweepInterval   time.Duration
	DispatchTimeout time.Duration

	// Compliance thresholds
	DefaultSpeedLimitKmh float64
	StaleAfter           time.Duration
	RouteWarnMeters      float64
	RouteViolationMeters float64

	// Emergency safeguards
	EmergencyCooldown        time.Duration
	EmergencyTimeout         time.Duration
	EmergencyFalseAlarmLimit int
	EmergencyConfirmText     string

	PolicyFile string

	AuthMode       string
	AuthHMACSecret string
	AuthJWKSURL    string
	AuthUserClaim  string
	AuthRoleClaim  string

	RateRPS   float64
	RateBurst int

	LogLevel  string
	LogFormat string

	TracingEnabled     bool
	TracingExporter    string
	OTLPEndpoint       string
	TracingSampleRatio float64
}

// Load reads .env (if present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() Config {
	return Config{
		Port:                     getEnv("PORT", "8080"),
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMigrate:                getEnv("DB_MIGRATE", "true") != "false",
		RedisURL:                 strings.TrimSpace(os.Getenv("REDIS_URL")),
		MQTTBroker:               os.Getenv("MQTT_BROKER"),
		MQTTClientID:             getEnv("MQTT_CLIENT_ID", "dgmonitor"),
		MQTTTopic:                getEnv("MQTT_TOPIC", "dg/sessions/+/telemetry"),
		AMQPURL:                  os.Getenv("AMQP_URL"),
		AMQPExchange:             getEnv("AMQP_EXCHANGE", "compliance.alerts"),
		KafkaBrokers:             splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:               getEnv("KAFKA_TOPIC", "compliance-events"),
		NotifyGatewayURL:         os.Getenv("NOTIFY_GATEWAY_URL"),
		WebhookSecret:            os.Getenv("ALERT_WEBHOOK_SECRET"),
		AlertMaxAttempts:         getEnvInt("ALERT_MAX_ATTEMPTS", 3),
		AlertRateRPS:             getEnvFloat("ALERT_RATE_RPS", 20),
		SweepInterval:            getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
		DispatchTimeout:          getEnvDuration("DISPATCH_TIMEOUT", 5*time.Second),
		DefaultSpeedLimitKmh:     getEnvFloat("DEFAULT_SPEED_LIMIT_KMH", 80),
		StaleAfter:               getEnvDuration("STALE_AFTER", 300*time.Second),
		RouteWarnMeters:          getEnvFloat("ROUTE_WARN_METERS", 500),
		RouteViolationMeters:     getEnvFloat("ROUTE_VIOLATION_METERS", 1000),
		EmergencyCooldown:        getEnvDuration("EMERGENCY_COOLDOWN", 30*time.Second),
		EmergencyTimeout:         getEnvDuration("EMERGENCY_TIMEOUT", 60*time.Second),
		EmergencyFalseAlarmLimit: getEnvInt("EMERGENCY_FALSE_ALARM_LIMIT", 3),
		EmergencyConfirmText:     getEnv("EMERGENCY_CONFIRM_TEXT", "EMERGENCY"),
		PolicyFile:               os.Getenv("POLICY_FILE"),
		AuthMode:                 strings.ToLower(getEnv("AUTH_MODE", "dev")),
		AuthHMACSecret:           os.Getenv("AUTH_HMAC_SECRET"),
		AuthJWKSURL:              os.Getenv("AUTH_JWKS_URL"),
		AuthUserClaim:            getEnv("AUTH_USER_CLAIM", "sub"),
		AuthRoleClaim:            getEnv("AUTH_ROLE_CLAIM", "role"),
		RateRPS:                  getEnvFloat("RATE_RPS", 0),
		RateBurst:                getEnvInt("RATE_BURST", 50),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogFormat:                getEnv("LOG_FORMAT", "json"),
		TracingEnabled:           strings.EqualFold(os.Getenv("TRACING_ENABLED"), "true"),
		TracingExporter:          strings.ToLower(getEnv("TRACING_EXPORTER", "stdout")),
		OTLPEndpoint:             os.Getenv("OTLP_ENDPOINT"),
		TracingSampleRatio:       getEnvFloat("TRACING_SAMPLE_RATIO", 1),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
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

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("45s") or bare seconds ("45").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
