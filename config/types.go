package config

import "time"

// Node holds the listener and storage settings of the daemon.
type Node struct {
	ListenAddress   string        `toml:"ListenAddress" yaml:"listen" env:"LISTEN"`
	DataDir         string        `toml:"DataDir" yaml:"dataDir" env:"DATA_DIR"`
	DBBackend       string        `toml:"DBBackend" yaml:"dbBackend" env:"DB_BACKEND"`
	Environment     string        `toml:"Environment" yaml:"environment" env:"ENVIRONMENT"`
	EventHistory    int           `toml:"EventHistory" yaml:"eventHistory" env:"EVENT_HISTORY"`
	ReadTimeout     time.Duration `toml:"ReadTimeout" yaml:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `toml:"WriteTimeout" yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `toml:"IdleTimeout" yaml:"idleTimeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `toml:"ShutdownTimeout" yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	// IdempotencyTTL bounds how long Idempotency-Key replays are kept.
	IdempotencyTTL  time.Duration `toml:"IdempotencyTTL" yaml:"idempotencyTTL" env:"IDEMPOTENCY_TTL"`
}

// Operator identifies the key that deploys the controller and bootstrap
// tokens.
type Operator struct {
	KeystorePath  string `toml:"KeystorePath" yaml:"keystorePath" env:"KEYSTORE_PATH"`
	PassphraseEnv string `toml:"PassphraseEnv" yaml:"passphraseEnv" env:"PASSPHRASE_ENV"`
}

// Controller seeds the escrow controller on first boot. Address selects an
// already deployed controller; when empty the node deploys one and remembers
// it in state.
type Controller struct {
	Address           string `toml:"Address" yaml:"address" env:"ADDRESS"`
	Updater           string `toml:"Updater" yaml:"updater" env:"UPDATER"`
	Arbitrator        string `toml:"Arbitrator" yaml:"arbitrator" env:"ARBITRATOR"`
	RewardToken       string `toml:"RewardToken" yaml:"rewardToken" env:"REWARD_TOKEN"`
	RewardTokenSymbol string `toml:"RewardTokenSymbol" yaml:"rewardTokenSymbol" env:"REWARD_TOKEN_SYMBOL"`
	RewardAmount      string `toml:"RewardAmount" yaml:"rewardAmount" env:"REWARD_AMOUNT"`
}

type Auth struct {
	Enabled      bool          `toml:"Enabled" yaml:"enabled" env:"ENABLED"`
	HMACSecret   string        `toml:"HMACSecret" yaml:"hmacSecret" env:"HMAC_SECRET"`
	Issuer       string        `toml:"Issuer" yaml:"issuer" env:"ISSUER"`
	Audience     string        `toml:"Audience" yaml:"audience" env:"AUDIENCE"`
	ClockSkew    time.Duration `toml:"ClockSkew" yaml:"clockSkew" env:"CLOCK_SKEW"`
	CallerHeader string        `toml:"CallerHeader" yaml:"callerHeader" env:"CALLER_HEADER"`
}

type RateLimit struct {
	Enabled       bool    `toml:"Enabled" yaml:"enabled" env:"ENABLED"`
	RatePerSecond float64 `toml:"RatePerSecond" yaml:"ratePerSecond" env:"RATE_PER_SECOND"`
	Burst         int     `toml:"Burst" yaml:"burst" env:"BURST"`
}

type Observability struct {
	ServiceName  string  `toml:"ServiceName" yaml:"serviceName" env:"SERVICE_NAME"`
	LogRequests  bool    `toml:"LogRequests" yaml:"logRequests" env:"LOG_REQUESTS"`
	Metrics      bool    `toml:"Metrics" yaml:"metrics" env:"METRICS"`
	Tracing      bool    `toml:"Tracing" yaml:"tracing" env:"TRACING"`
	OTLPEndpoint string  `toml:"OTLPEndpoint" yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure bool    `toml:"OTLPInsecure" yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	OTLPHeaders  string  `toml:"OTLPHeaders" yaml:"otlpHeaders" env:"OTLP_HEADERS"`
	SampleRatio  float64 `toml:"SampleRatio" yaml:"sampleRatio" env:"SAMPLE_RATIO"`
}

// Index configures the relational order projection.
type Index struct {
	Enabled bool   `toml:"Enabled" yaml:"enabled" env:"ENABLED"`
	Driver  string `toml:"Driver" yaml:"driver" env:"DRIVER"`
	DSN     string `toml:"DSN" yaml:"dsn" env:"DSN"`
}

// Reports configures settlement report export. Nightly requires the index.
type Reports struct {
	Dir     string `toml:"Dir" yaml:"dir" env:"DIR"`
	Nightly bool   `toml:"Nightly" yaml:"nightly" env:"NIGHTLY"`
	RunHour int    `toml:"RunHour" yaml:"runHour" env:"RUN_HOUR"`
}

type Logging struct {
	Level      string `toml:"Level" yaml:"level" env:"LEVEL"`
	File       string `toml:"File" yaml:"file" env:"FILE"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB" env:"MAX_SIZE_MB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays" env:"MAX_AGE_DAYS"`
	Compress   bool   `toml:"Compress" yaml:"compress" env:"COMPRESS"`
}

type Config struct {
	Node          Node          `toml:"node" yaml:"node" envPrefix:"NODE_"`
	Operator      Operator      `toml:"operator" yaml:"operator" envPrefix:"OPERATOR_"`
	Controller    Controller    `toml:"controller" yaml:"controller" envPrefix:"CONTROLLER_"`
	Auth          Auth          `toml:"auth" yaml:"auth" envPrefix:"AUTH_"`
	RateLimit     RateLimit     `toml:"rate_limit" yaml:"rateLimit" envPrefix:"RATE_LIMIT_"`
	Observability Observability `toml:"observability" yaml:"observability" envPrefix:"OBSERVABILITY_"`
	Index         Index         `toml:"index" yaml:"index" envPrefix:"INDEX_"`
	Reports       Reports       `toml:"reports" yaml:"reports" envPrefix:"REPORTS_"`
	Logging       Logging       `toml:"logging" yaml:"logging" envPrefix:"LOGGING_"`
}
