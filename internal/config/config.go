package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures all tunable parameters for the rider core. Values are
// primarily loaded from environment variables with sane defaults so the
// binary can run locally without excessive setup.
type Config struct {
	// dispatch connection
	DispatchWSURL  string
	ReconnectDelay time.Duration
	AckTimeout     time.Duration

	// rider identity, bootstrapped by the profile layer outside this core
	UserID     string
	CustomerID string
	UserName   string
	UserMobile string

	// local status HTTP surface
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// durable ride store
	RedisAddr     string
	RedisPassword string
	RideKeyPrefix string

	// optional rider location telemetry
	KafkaBrokers []string
	KafkaTopic   string

	// optional terminal-ride archive
	PGDSN string

	// routing collaborator
	RoutingBackend   string // "osrm" or "google"
	OSRMEndpoint     string
	GoogleMapsAPIKey string

	// tracking policy
	PickupGeofenceMeters  float64
	DropoffGeofenceMeters float64
	LocationFreshness     time.Duration
	TrackerThrottle       time.Duration

	// route refresh policy
	RouteRefreshMinMeters float64
	RouteRefreshInterval  time.Duration
	RouteRetryAttempts    int
	RouteRetryDelay       time.Duration

	// lifecycle timers
	SearchTimeout         time.Duration
	StatusPollInterval    time.Duration
	DriverPollInterval    time.Duration
	AutoPersistInterval   time.Duration
	NearbyRefreshInterval time.Duration

	// nearby roster policy
	NearbyRadiusIdleMeters      float64
	NearbyRadiusSearchingMeters float64
	NearbyMaxDrivers            int

	// camera control stays with the user unless explicitly enabled
	AutoFollowCamera bool

	LogLevel string
}

func defaultConfig() Config {
	return Config{
		DispatchWSURL:  "ws://localhost:9092/ws",
		ReconnectDelay: 3 * time.Second,
		AckTimeout:     10 * time.Second,

		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RideKeyPrefix: "rider:session:",
		KafkaTopic:    "rider-locations",

		RoutingBackend: "osrm",
		OSRMEndpoint:   "http://localhost:5000",

		PickupGeofenceMeters:  50,
		DropoffGeofenceMeters: 50,
		LocationFreshness:     10 * time.Second,
		TrackerThrottle:       time.Second,

		RouteRefreshMinMeters: 50,
		RouteRefreshInterval:  5 * time.Second,
		RouteRetryAttempts:    3,
		RouteRetryDelay:       500 * time.Millisecond,

		SearchTimeout:         60 * time.Second,
		StatusPollInterval:    5 * time.Second,
		DriverPollInterval:    3 * time.Second,
		AutoPersistInterval:   5 * time.Second,
		NearbyRefreshInterval: 5 * time.Second,

		NearbyRadiusIdleMeters:      10000,
		NearbyRadiusSearchingMeters: 20000,
		NearbyMaxDrivers:            15,

		AutoFollowCamera: false,

		LogLevel: "info",
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	var errs []error

	setStringFromEnv(&cfg.DispatchWSURL, "DISPATCH_WS_URL")
	setDurationFromEnv(&cfg.ReconnectDelay, "DISPATCH_RECONNECT_DELAY", &errs)
	setDurationFromEnv(&cfg.AckTimeout, "DISPATCH_ACK_TIMEOUT", &errs)

	setStringFromEnv(&cfg.UserID, "RIDER_USER_ID")
	setStringFromEnv(&cfg.CustomerID, "RIDER_CUSTOMER_ID")
	setStringFromEnv(&cfg.UserName, "RIDER_USER_NAME")
	setStringFromEnv(&cfg.UserMobile, "RIDER_USER_MOBILE")

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RideKeyPrefix, "RIDE_KEY_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.RoutingBackend, "ROUTING_BACKEND")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")

	setFloatFromEnv(&cfg.PickupGeofenceMeters, "PICKUP_GEOFENCE_METERS", &errs)
	setFloatFromEnv(&cfg.DropoffGeofenceMeters, "DROPOFF_GEOFENCE_METERS", &errs)
	setDurationFromEnv(&cfg.LocationFreshness, "LOCATION_FRESHNESS", &errs)
	setDurationFromEnv(&cfg.TrackerThrottle, "TRACKER_THROTTLE", &errs)

	setFloatFromEnv(&cfg.RouteRefreshMinMeters, "ROUTE_REFRESH_MIN_METERS", &errs)
	setDurationFromEnv(&cfg.RouteRefreshInterval, "ROUTE_REFRESH_INTERVAL", &errs)
	setIntFromEnv(&cfg.RouteRetryAttempts, "ROUTE_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RouteRetryDelay, "ROUTE_RETRY_DELAY", &errs)

	setDurationFromEnv(&cfg.SearchTimeout, "SEARCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.StatusPollInterval, "STATUS_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.DriverPollInterval, "DRIVER_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.AutoPersistInterval, "AUTO_PERSIST_INTERVAL", &errs)
	setDurationFromEnv(&cfg.NearbyRefreshInterval, "NEARBY_REFRESH_INTERVAL", &errs)

	setFloatFromEnv(&cfg.NearbyRadiusIdleMeters, "NEARBY_RADIUS_IDLE_METERS", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusSearchingMeters, "NEARBY_RADIUS_SEARCHING_METERS", &errs)
	setIntFromEnv(&cfg.NearbyMaxDrivers, "NEARBY_MAX_DRIVERS", &errs)

	cfg.AutoFollowCamera = strings.EqualFold(os.Getenv("AUTO_FOLLOW_CAMERA"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.UserID == "" {
		errs = append(errs, fmt.Errorf("RIDER_USER_ID is required"))
	}
	switch cfg.RoutingBackend {
	case "osrm", "google":
	default:
		errs = append(errs, fmt.Errorf("ROUTING_BACKEND must be osrm or google, got %q", cfg.RoutingBackend))
	}
	if cfg.RoutingBackend == "google" && cfg.GoogleMapsAPIKey == "" {
		errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY is required with ROUTING_BACKEND=google"))
	}
	if cfg.NearbyMaxDrivers <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_MAX_DRIVERS must be > 0"))
	}
	if cfg.RouteRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_RETRY_ATTEMPTS must be > 0"))
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
