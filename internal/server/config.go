package server

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/config"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

func LoadConfig() (*config.AppConfig, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = EnvDevelopment
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath("./config/server")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg config.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Environment-specific overrides, e.g. [orchestrator.production]
	if envSettings := v.GetStringMap(fmt.Sprintf("orchestrator.%s", env)); len(envSettings) > 0 {
		if err := v.UnmarshalKey(fmt.Sprintf("orchestrator.%s", env), &cfg.Orchestrator); err != nil {
			return nil, fmt.Errorf("error unmarshaling env config: %w", err)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate rejects configs that would silently disable the failure
// detector. There are no built-in defaults for these on purpose: the
// right heartbeat timeout depends on how long a legitimate build phase
// can go quiet in a given deployment.
func validate(cfg *config.AppConfig) error {
	o := &cfg.Orchestrator
	switch {
	case o.HeartbeatTimeout <= 0:
		return fmt.Errorf("config: orchestrator.heartbeat_timeout must be set")
	case o.WorkerOfflineTimeout <= 0:
		return fmt.Errorf("config: orchestrator.worker_offline_timeout must be set")
	case o.SweepInterval <= 0:
		return fmt.Errorf("config: orchestrator.sweep_interval must be set")
	case o.MaxRetries <= 0:
		return fmt.Errorf("config: orchestrator.max_retries must be set")
	case o.AssignTimeout <= 0:
		return fmt.Errorf("config: orchestrator.assign_timeout must be set")
	case o.MaxClaimAttempts <= 0:
		return fmt.Errorf("config: orchestrator.max_claim_attempts must be set")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret must be set")
	}
	return nil
}

func NewLogger(env string) (*zap.Logger, error) {
	if env == EnvProduction {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
