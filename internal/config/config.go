package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ClientConfig captures the tunables of the real-time client core.
// Values are loaded from environment variables with defaults matching the
// production web client, so the binary runs locally without setup.
type ClientConfig struct {
	WSBase  string
	APIBase string

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectMax      int

	DeclineGrace     time.Duration
	LocationInterval time.Duration
	MaxNotifications int
	RequestTimeout   time.Duration

	LogLevel  string
	LogFormat string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		WSBase:            "ws://localhost:8080",
		APIBase:           "http://localhost:8080",
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectCap:      30 * time.Second,
		ReconnectMax:      5,
		DeclineGrace:      5 * time.Second,
		LocationInterval:  5 * time.Second,
		MaxNotifications:  100,
		RequestTimeout:    10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.WSBase, "RIDE_WS_BASE")
	setStringFromEnv(&cfg.APIBase, "RIDE_API_BASE")
	setDurationFromEnv(&cfg.HeartbeatInterval, "RIDE_HEARTBEAT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "RIDE_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ReconnectBase, "RIDE_RECONNECT_BASE", &errs)
	setDurationFromEnv(&cfg.ReconnectCap, "RIDE_RECONNECT_CAP", &errs)
	setIntFromEnv(&cfg.ReconnectMax, "RIDE_RECONNECT_MAX", &errs)
	setDurationFromEnv(&cfg.DeclineGrace, "RIDE_DECLINE_GRACE", &errs)
	setDurationFromEnv(&cfg.LocationInterval, "RIDE_LOCATION_INTERVAL", &errs)
	setIntFromEnv(&cfg.MaxNotifications, "RIDE_MAX_NOTIFICATIONS", &errs)
	setDurationFromEnv(&cfg.RequestTimeout, "RIDE_REQUEST_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_HEARTBEAT_INTERVAL must be > 0"))
	}
	if cfg.ReconnectMax < 0 {
		errs = append(errs, fmt.Errorf("RIDE_RECONNECT_MAX must be >= 0"))
	}
	if cfg.ReconnectCap < cfg.ReconnectBase {
		errs = append(errs, fmt.Errorf("RIDE_RECONNECT_CAP must be >= RIDE_RECONNECT_BASE"))
	}
	if !strings.HasPrefix(cfg.WSBase, "ws://") && !strings.HasPrefix(cfg.WSBase, "wss://") {
		errs = append(errs, fmt.Errorf("RIDE_WS_BASE must use ws:// or wss://"))
	}

	return cfg, errors.Join(errs...)
}

// RelayConfig captures all tunable parameters for the relay process.
type RelayConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	ClaimTTL      time.Duration

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaLocationTopic string
	KafkaGroupID       string

	PushEndpoint string
	PushKey      string

	PGDSN string

	JWTSecret     string
	JWTExpiry     time.Duration
	OfferRadiusM  float64
	OfferTopN     int
	NoDriverReply string

	OSRMEndpoint   string
	DriverSpeedMps float64
	ETACacheTTL    time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultRelayConfig() RelayConfig {
	return RelayConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		ClaimTTL:           24 * time.Hour,
		KafkaTopic:         "ride-events",
		KafkaLocationTopic: "driver-locations",
		KafkaGroupID:       "ride-geo-sync",
		JWTExpiry:          24 * time.Hour,
		OfferRadiusM:       5000,
		OfferTopN:          8,
		NoDriverReply:      "no drivers",
		DriverSpeedMps:     8,
		ETACacheTTL:        time.Minute,
		LogLevel:           "info",
	}
}

func LoadRelayConfig() (RelayConfig, error) {
	cfg := defaultRelayConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.ClaimTTL, "ACCEPT_CLAIM_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.JWTExpiry, "JWT_EXPIRY", &errs)

	setFloatFromEnv(&cfg.OfferRadiusM, "OFFER_RADIUS_M", &errs)
	setIntFromEnv(&cfg.OfferTopN, "OFFER_TOP_N", &errs)
	setStringFromEnv(&cfg.NoDriverReply, "NO_DRIVER_REASON")
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DriverSpeedMps, "DRIVER_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferTopN <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TOP_N must be > 0"))
	}
	if cfg.OfferRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_RADIUS_M must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
