package config

import "time"

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// OrchestratorConfig carries the operational knobs of the core.
// Heartbeat timeout and the retry ceiling are deployment decisions:
// too short a timeout reclaims builds that are legitimately in a long
// build phase, so none of these have hardcoded fallbacks.
type OrchestratorConfig struct {
	// HeartbeatTimeout is how long an assigned/building build may go
	// without a heartbeat before the sweep reclaims it.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`

	// WorkerOfflineTimeout is the silence window after which a worker
	// itself is marked offline.
	WorkerOfflineTimeout time.Duration `mapstructure:"worker_offline_timeout"`

	// SweepInterval is the period of the background reclamation sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// MaxRetries is the number of reclamations a build survives before
	// it is failed permanently.
	MaxRetries int `mapstructure:"max_retries"`

	// AssignTimeout bounds one assignment attempt end to end.
	AssignTimeout time.Duration `mapstructure:"assign_timeout"`

	// MaxClaimAttempts bounds how many queue candidates one poll will
	// try before reporting no pending work.
	MaxClaimAttempts int `mapstructure:"max_claim_attempts"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenExpiration time.Duration `mapstructure:"token_expiration"`
}

type ArtifactConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

type AppConfig struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Artifact     ArtifactConfig     `mapstructure:"artifact"`
}
