package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Operational API auth (manual sweep trigger, policy writes)
	JWTSecret string `mapstructure:"jwt_secret"`

	// Mail gateway (the notification channel)
	MailGatewayDetails MailGatewayConfig `mapstructure:"mail_gateway"`

	// Sweep cadence
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`

	// Digest settings
	DigestLookaheadHours  int    `mapstructure:"digest_lookahead_hours"`
	LockoutWarningWeekday string `mapstructure:"lockout_warning_weekday"` // e.g. "Friday"
	Timezone              string `mapstructure:"timezone"`                // IANA name for local-time cadences
}

type MailGatewayConfig struct {
	URL       string `mapstructure:"url"`
	APIToken  string `mapstructure:"api_token"`
	FromEmail string `mapstructure:"from_email"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so 'go run' works without exporting
	// env vars. Missing .env is fine (Production/Docker).
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Set default values
	v.SetDefault("port", "8080")
	v.SetDefault("sweep_interval_seconds", 300)
	v.SetDefault("digest_lookahead_hours", 72)
	v.SetDefault("lockout_warning_weekday", "Friday")
	v.SetDefault("timezone", "UTC")

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	// Environment variable settings
	v.SetEnvPrefix("chartminder")

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("timezone", "TIMEZONE")
	_ = v.BindEnv("sweep_interval_seconds", "SWEEP_INTERVAL_SECONDS")
	_ = v.BindEnv("digest_lookahead_hours", "DIGEST_LOOKAHEAD_HOURS")
	_ = v.BindEnv("lockout_warning_weekday", "LOCKOUT_WARNING_WEEKDAY")

	// Bind mail gateway env vars
	_ = v.BindEnv("mail_gateway.url", "MAIL_GATEWAY_URL")
	_ = v.BindEnv("mail_gateway.api_token", "MAIL_GATEWAY_TOKEN")
	_ = v.BindEnv("mail_gateway.from_email", "MAIL_GATEWAY_FROM")

	v.AutomaticEnv()

	// 1. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	// 2. Unmarshal into struct
	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// 3. Backfill environment variables for code that still reads os.Getenv()
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)
	setEnvIfEmpty("MAIL_GATEWAY_URL", App.MailGatewayDetails.URL)
	setEnvIfEmpty("MAIL_GATEWAY_TOKEN", App.MailGatewayDetails.APIToken)
	setEnvIfEmpty("MAIL_GATEWAY_FROM", App.MailGatewayDetails.FromEmail)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
