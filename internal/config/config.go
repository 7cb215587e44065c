/**
 * @description
 * This package handles configuration management for the dispatch-service. It uses
 * the Viper library to read configuration from environment variables (with an
 * optional .env file), providing a centralized way to manage application settings.
 *
 * Every dispatch heuristic that used to be a client-side literal (offer timeout,
 * nearby radius, overload ceiling, budget policy) is a named value here so that
 * behavior stays testable and tunable.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Budget reservation policies. Strict denies an assignment whose cost would push
// the budget into exceeded; lenient allows it and flags the budget instead.
const (
	BudgetPolicyStrict  = "strict"
	BudgetPolicyLenient = "lenient"
)

// Config holds all configuration variables for the dispatch-service.
// Values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	FieldworkEventQueue  string `mapstructure:"FIELDWORK_EVENT_QUEUE"`
	DispatchExchange     string `mapstructure:"DISPATCH_EXCHANGE"`
	FieldworkExchange    string `mapstructure:"FIELDWORK_EXCHANGE"`
	JWKSURL              string `mapstructure:"JWKS_URL"`
	AuthAudience         string `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer           string `mapstructure:"AUTH_ISSUER"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins   string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	Currency string `mapstructure:"CURRENCY"`

	OfferTimeoutSeconds     int     `mapstructure:"OFFER_TIMEOUT_SECONDS"`
	OfferSweepSchedule      string  `mapstructure:"OFFER_SWEEP_SCHEDULE"`
	NearbyRadiusKm          float64 `mapstructure:"NEARBY_RADIUS_KM"`
	MaxWorkload             int     `mapstructure:"MAX_WORKLOAD"`
	AvgTravelSpeedKmh       float64 `mapstructure:"AVG_TRAVEL_SPEED_KMH"`
	LocationStaleMinutes    int     `mapstructure:"LOCATION_STALE_MINUTES"`
	BudgetPolicy            string  `mapstructure:"BUDGET_POLICY"`
	BudgetWarningThreshold  float64 `mapstructure:"BUDGET_WARNING_THRESHOLD"`
	ClaimRateLimitPerMinute int     `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "dispatch:rate_limit")
	viper.SetDefault("FIELDWORK_EVENT_QUEUE", "dispatch_service.fieldwork_updates")
	viper.SetDefault("DISPATCH_EXCHANGE", "dispatch.events")
	viper.SetDefault("FIELDWORK_EXCHANGE", "fieldwork.events")
	viper.SetDefault("CURRENCY", "SDG")
	viper.SetDefault("OFFER_TIMEOUT_SECONDS", 300)
	viper.SetDefault("OFFER_SWEEP_SCHEDULE", "* * * * *")
	viper.SetDefault("NEARBY_RADIUS_KM", 5.0)
	viper.SetDefault("MAX_WORKLOAD", 20)
	viper.SetDefault("AVG_TRAVEL_SPEED_KMH", 30.0)
	viper.SetDefault("LOCATION_STALE_MINUTES", 60)
	viper.SetDefault("BUDGET_POLICY", BudgetPolicyStrict)
	viper.SetDefault("BUDGET_WARNING_THRESHOLD", 0.8)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly so they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("FIELDWORK_EVENT_QUEUE")
	_ = viper.BindEnv("DISPATCH_EXCHANGE")
	_ = viper.BindEnv("FIELDWORK_EXCHANGE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DISPATCH_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("OFFER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("OFFER_SWEEP_SCHEDULE")
	_ = viper.BindEnv("NEARBY_RADIUS_KM")
	_ = viper.BindEnv("MAX_WORKLOAD")
	_ = viper.BindEnv("AVG_TRAVEL_SPEED_KMH")
	_ = viper.BindEnv("LOCATION_STALE_MINUTES")
	_ = viper.BindEnv("BUDGET_POLICY")
	_ = viper.BindEnv("BUDGET_WARNING_THRESHOLD")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.AuthAudience = strings.TrimSpace(config.AuthAudience)
	config.AuthIssuer = strings.TrimSpace(config.AuthIssuer)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "dispatch:rate_limit"
	}
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "SDG"
	}

	if config.OfferTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive offer timeout configured; using default\" offer_timeout_seconds=%d", config.OfferTimeoutSeconds)
		config.OfferTimeoutSeconds = 300
	}
	if strings.TrimSpace(config.OfferSweepSchedule) == "" {
		config.OfferSweepSchedule = "* * * * *"
	}
	if config.NearbyRadiusKm <= 0 {
		config.NearbyRadiusKm = 5.0
	}
	if config.MaxWorkload <= 0 {
		config.MaxWorkload = 20
	}
	if config.AvgTravelSpeedKmh <= 0 {
		config.AvgTravelSpeedKmh = 30.0
	}
	if config.LocationStaleMinutes <= 0 {
		config.LocationStaleMinutes = 60
	}

	config.BudgetPolicy = strings.ToLower(strings.TrimSpace(config.BudgetPolicy))
	if config.BudgetPolicy != BudgetPolicyStrict && config.BudgetPolicy != BudgetPolicyLenient {
		log.Printf("level=warn component=config msg=\"unknown budget policy; falling back to strict\" budget_policy=%q", config.BudgetPolicy)
		config.BudgetPolicy = BudgetPolicyStrict
	}
	if config.BudgetWarningThreshold <= 0 || config.BudgetWarningThreshold > 1 {
		config.BudgetWarningThreshold = 0.8
	}
	if config.ClaimRateLimitPerMinute < 0 {
		config.ClaimRateLimitPerMinute = 0
	}

	return
}
