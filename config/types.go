package config

// Protocol seeds the negotiation registry on first start and provides the
// defaults applied to creation requests that omit a parameter.
type Protocol struct {
	// Authority and Treasury are bech32 addresses. When empty the node key
	// address is used.
	Authority             string `toml:"Authority" yaml:"authority"`
	Treasury              string `toml:"Treasury" yaml:"treasury"`
	Token                 string `toml:"Token" yaml:"token"`
	DecayRateBps          uint16 `toml:"DecayRateBps" yaml:"decayRateBps"`
	ResponseWindowSeconds int64  `toml:"ResponseWindowSeconds" yaml:"responseWindowSeconds"`
	ProtocolFeeBps        uint16 `toml:"ProtocolFeeBps" yaml:"protocolFeeBps"`
	MaxRounds             uint8  `toml:"MaxRounds" yaml:"maxRounds"`
	MinOfferBps           uint16 `toml:"MinOfferBps" yaml:"minOfferBps"`
	DeadlineOffsetSeconds int64  `toml:"DeadlineOffsetSeconds" yaml:"deadlineOffsetSeconds"`
	Paused                bool   `toml:"Paused" yaml:"paused"`
}

// RPC configures the JSON-RPC server.
type RPC struct {
	JWTSecret            string   `toml:"JWTSecret" yaml:"jwtSecret"`
	JWTSecretEnv         string   `toml:"JWTSecretEnv" yaml:"jwtSecretEnv"`
	JWTIssuer            string   `toml:"JWTIssuer" yaml:"jwtIssuer"`
	JWTAudience          []string `toml:"JWTAudience" yaml:"jwtAudience"`
	SignatureSkewSeconds int      `toml:"SignatureSkewSeconds" yaml:"signatureSkewSeconds"`
	NonceStorePath       string   `toml:"NonceStorePath" yaml:"nonceStorePath"`
	RateLimitPerSecond   float64  `toml:"RateLimitPerSecond" yaml:"rateLimitPerSecond"`
	RateLimitBurst       int      `toml:"RateLimitBurst" yaml:"rateLimitBurst"`
	AllowedOrigins       []string `toml:"AllowedOrigins" yaml:"allowedOrigins"`
	ReadTimeoutSeconds   int      `toml:"ReadTimeoutSeconds" yaml:"readTimeoutSeconds"`
	WriteTimeoutSeconds  int      `toml:"WriteTimeoutSeconds" yaml:"writeTimeoutSeconds"`
	EnableFaucet         bool     `toml:"EnableFaucet" yaml:"enableFaucet"`
	FaucetAmount         uint64   `toml:"FaucetAmount" yaml:"faucetAmount"`
}

// Cranker configures the background expiry worker.
type Cranker struct {
	Enabled         bool `toml:"Enabled" yaml:"enabled"`
	IntervalSeconds int  `toml:"IntervalSeconds" yaml:"intervalSeconds"`
	BatchSize       int  `toml:"BatchSize" yaml:"batchSize"`
}

// Indexer selects the SQL database receiving negotiation events.
type Indexer struct {
	Enabled bool   `toml:"Enabled" yaml:"enabled"`
	Driver  string `toml:"Driver" yaml:"driver"`
	DSN     string `toml:"DSN" yaml:"dsn"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	// SampleRatio is the fraction of traces kept; zero keeps every trace.
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// Logging configures the structured logger and optional file rotation.
type Logging struct {
	Level       string `toml:"Level" yaml:"level"`
	Environment string `toml:"Environment" yaml:"environment"`
	File        string `toml:"File" yaml:"file"`
	MaxSizeMB   int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays  int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	Compress    bool   `toml:"Compress" yaml:"compress"`
}

// Webhook configures signed outcome notifications. Delivery is disabled when
// Endpoint is empty.
type Webhook struct {
	Endpoint    string `toml:"Endpoint" yaml:"endpoint"`
	Secret      string `toml:"Secret" yaml:"secret"`
	SecretEnv   string `toml:"SecretEnv" yaml:"secretEnv"`
	MaxAttempts int    `toml:"MaxAttempts" yaml:"maxAttempts"`
}
