package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/example/ride-tracking/internal/models"
)

// RelayConfig captures all tunable parameters for the relay process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type RelayConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	LogLevel      string
	RunMigrations bool
}

func defaultRelayConfig() RelayConfig {
	return RelayConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "vehicles_geo",
		KafkaTopic:      "driver-locations",
		LogLevel:        "info",
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_SHUTDOWN_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the Kafka to Redis position projection.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-tracking-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "vehicles_geo",
		MetricsAddr:   ":2112",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if b := splitAndTrim(brokers); len(b) > 0 {
		cfg.KafkaBrokers = b
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be >= 1"))
	}
	return cfg, errors.Join(errs...)
}

// TrackerConfig drives one client process (driver or passenger) bound to one ride.
type TrackerConfig struct {
	Role          string `yaml:"role" validate:"oneof=driver passenger"`
	RideID        string `yaml:"ride_id" validate:"required"`
	ParticipantID string `yaml:"participant_id" validate:"required"`
	Transport     string `yaml:"transport" validate:"oneof=ws redis"`
	RelayURL      string `yaml:"relay_url" validate:"required,url"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Transport redis"`
	OSRMEndpoint  string `yaml:"osrm_endpoint" validate:"omitempty,url"`
	// DriverStart seeds the driver's position ("lat,lng") when the ride row has none.
	DriverStart string `yaml:"driver_start"`
	Auto        bool   `yaml:"auto"`

	TickInterval      time.Duration `yaml:"tick_interval" validate:"gt=0"`
	ArrivalThreshold  float64       `yaml:"arrival_threshold_meters" validate:"gt=0"`
	RouteDebounce     time.Duration `yaml:"route_debounce" validate:"gte=0"`
	StepPoints        int           `yaml:"step_points" validate:"gte=1"`
	StepMeters        float64       `yaml:"step_meters" validate:"gt=0"`
	RouteEndTolerance float64       `yaml:"route_end_tolerance_meters" validate:"gt=0"`
	SpeedKmh          float64       `yaml:"eta_speed_kmh" validate:"gt=0"`
	PublishTimeout    time.Duration `yaml:"publish_timeout" validate:"gt=0"`

	LogLevel string `yaml:"log_level"`
}

func defaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Transport:         "ws",
		RelayURL:          "http://localhost:8080",
		TickInterval:      3 * time.Second,
		ArrivalThreshold:  100,
		RouteDebounce:     500 * time.Millisecond,
		StepPoints:        1,
		StepMeters:        25,
		RouteEndTolerance: 250,
		SpeedKmh:          30,
		PublishTimeout:    2 * time.Second,
		LogLevel:          "info",
	}
}

// LoadTrackerConfig applies defaults, then the YAML file named by TRACKER_CONFIG if set,
// then environment variables.
func LoadTrackerConfig() (TrackerConfig, error) {
	cfg := defaultTrackerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("TRACKER_CONFIG")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.Role, "TRACKER_ROLE")
	cfg.Role = strings.ToLower(cfg.Role)
	setStringFromEnv(&cfg.RideID, "RIDE_ID")
	setStringFromEnv(&cfg.ParticipantID, "PARTICIPANT_ID")
	setStringFromEnv(&cfg.Transport, "TRACKER_TRANSPORT")
	setStringFromEnv(&cfg.RelayURL, "RELAY_URL")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.DriverStart, "DRIVER_START")
	if v := os.Getenv("TRACKER_AUTO"); v != "" {
		cfg.Auto = strings.EqualFold(v, "true")
	}

	setDurationFromEnv(&cfg.TickInterval, "SIM_TICK_INTERVAL", &errs)
	setFloatFromEnv(&cfg.ArrivalThreshold, "ARRIVAL_THRESHOLD_METERS", &errs)
	setDurationFromEnv(&cfg.RouteDebounce, "ROUTE_DEBOUNCE", &errs)
	setIntFromEnv(&cfg.StepPoints, "SIM_STEP_POINTS", &errs)
	setFloatFromEnv(&cfg.StepMeters, "SIM_STEP_METERS", &errs)
	setFloatFromEnv(&cfg.RouteEndTolerance, "ROUTE_END_TOLERANCE_METERS", &errs)
	setFloatFromEnv(&cfg.SpeedKmh, "ETA_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.PublishTimeout, "PUBLISH_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.DriverStart != "" {
		if _, err := ParsePoint(cfg.DriverStart); err != nil {
			errs = append(errs, fmt.Errorf("invalid DRIVER_START: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid tracker config: %w", err)
	}
	return cfg, nil
}

// ParsePoint reads "lat,lng".
func ParsePoint(s string) (models.Point, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return models.Point{}, fmt.Errorf("%q is not lat,lng", s)
	}
	var p models.Point
	var err1, err2 error
	p.Lat, err1 = strconv.ParseFloat(strings.TrimSpace(lat), 64)
	p.Lng, err2 = strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err := errors.Join(err1, err2); err != nil {
		return models.Point{}, err
	}
	return p, p.Validate()
}

func loadYAML(path string, cfg *TrackerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
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
