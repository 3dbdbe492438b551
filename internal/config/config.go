package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// Config holds the bridge's ambient runtime settings: transport, database,
// and the external FHIR store connection. Loaded once at process startup
// and treated as read-only for the life of the process.
type Config struct {
	Env         string `mapstructure:"ENV"`
	MLLPPort    string `mapstructure:"MLLP_PORT"`
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	FHIRBaseURL   string `mapstructure:"FHIR_BASE_URL"`
	FHIRAuthToken string `mapstructure:"FHIR_AUTH_TOKEN"`

	// FHIR_APP/FHIR_FAC/BILLING_APP/BILLING_FAC populate MSH-3 through
	// MSH-6 on outbound BAR messages.
	FHIRApp    string `mapstructure:"FHIR_APP"`
	FHIRFac    string `mapstructure:"FHIR_FAC"`
	BillingApp string `mapstructure:"BILLING_APP"`
	BillingFac string `mapstructure:"BILLING_FAC"`

	ProcessingConfigPath string `mapstructure:"HL7V2_TO_FHIR_CONFIG"`

	// PollInterval governs all three pollers (inbound processor, BAR
	// builder, BAR sender) in seconds.
	PollIntervalSeconds int `mapstructure:"POLL_INTERVAL_SECONDS"`

	// BARRetryMax bounds the builder's transient-error retry-count
	// extension before an Invoice is left at error.
	BARRetryMax int `mapstructure:"BAR_RETRY_MAX"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("MLLP_PORT", "2575")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("HL7V2_TO_FHIR_CONFIG", "./config/hl7v2-to-fhir.json")
	v.SetDefault("POLL_INTERVAL_SECONDS", 60)
	v.SetDefault("BAR_RETRY_MAX", 5)

	for _, key := range []string{
		"ENV", "MLLP_PORT", "HTTP_PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"FHIR_BASE_URL", "FHIR_AUTH_TOKEN", "FHIR_APP", "FHIR_FAC", "BILLING_APP", "BILLING_FAC",
		"HL7V2_TO_FHIR_CONFIG", "POLL_INTERVAL_SECONDS", "BAR_RETRY_MAX",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode (ENV=development)")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is internally consistent enough
// to start the bridge. Called by cmd/bridgectl's validate-config subcommand
// as well as at cmd/bridge startup.
func (c *Config) Validate() error {
	if c.BARRetryMax < 0 {
		return fmt.Errorf("BAR_RETRY_MAX must be >= 0, got %d", c.BARRetryMax)
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be > 0, got %d", c.PollIntervalSeconds)
	}
	return nil
}
