package config

import "strings"

// GatewayConfig holds configuration for the execution gateway binary.
type GatewayConfig struct {
	BindAddr string

	// Bind fallback. When the preferred address is taken, the first free
	// candidate serves instead.
	PortAutoFallback bool
	PortCandidates   []string

	// Target application.
	TargetBaseURL string
	EndpointsFile string

	// Credential store. Empty DatabaseURL selects the in-memory store;
	// empty RedisAddr disables the snapshot cache.
	DatabaseURL string
	RedisAddr   string

	// Static agent tokens for the in-memory store, "token:user" pairs.
	// The Postgres store resolves tokens from its own table instead.
	AgentTokens []string

	// Routing defaults.
	DefaultPolicy    string
	ExecuteTimeoutMS int

	// Delegate connection liveness.
	PingIntervalMS int
	PongWindowMS   int
	AuthTimeoutMS  int

	// Per-user rate limiting.
	UserRateLimit float64
	UserRateBurst int

	// Operational surfaces. Empty values disable the feature.
	AuditDir        string
	AlertWebhookURL string

	LogLevel string
	LogFile  string
}

// LoadGateway reads gateway configuration from environment variables.
func LoadGateway() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		BindAddr:         getEnvOrDefault("GATEWAY_BIND_ADDR", "127.0.0.1:8190"),
		PortAutoFallback: getEnvBoolOrDefault("GATEWAY_PORT_AUTO_FALLBACK", true),
		PortCandidates:   splitList(getEnvOrDefault("GATEWAY_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192,127.0.0.1:8193")),
		TargetBaseURL:    getEnvOrDefault("TARGET_BASE_URL", "https://app.example.com"),
		EndpointsFile:    getEnvOrDefault("GATEWAY_ENDPOINTS_FILE", ""),
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", ""),
		RedisAddr:        getEnvOrDefault("REDIS_ADDR", ""),
		AgentTokens:      splitList(getEnvOrDefault("GATEWAY_AGENT_TOKENS", "")),
		DefaultPolicy:    strings.ToLower(getEnvOrDefault("GATEWAY_DEFAULT_POLICY", "delegate")),
		ExecuteTimeoutMS: getEnvIntOrDefault("GATEWAY_EXECUTE_TIMEOUT_MS", 15000),
		PingIntervalMS:   getEnvIntOrDefault("GATEWAY_PING_INTERVAL_MS", 20000),
		PongWindowMS:     getEnvIntOrDefault("GATEWAY_PONG_WINDOW_MS", 0),
		AuthTimeoutMS:    getEnvIntOrDefault("GATEWAY_AUTH_TIMEOUT_MS", 10000),
		UserRateLimit:    getEnvFloatOrDefault("GATEWAY_USER_RATE_LIMIT", 5),
		UserRateBurst:    getEnvIntOrDefault("GATEWAY_USER_RATE_BURST", 10),
		AuditDir:         getEnvOrDefault("GATEWAY_AUDIT_DIR", ""),
		AlertWebhookURL:  getEnvOrDefault("GATEWAY_ALERT_WEBHOOK_URL", ""),
		LogLevel:         strings.ToLower(getEnvOrDefault("GATEWAY_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("GATEWAY_LOG_FILE", "logs/gateway.log"),
	}
	if cfg.ExecuteTimeoutMS < 1000 {
		cfg.ExecuteTimeoutMS = 1000
	}
	if cfg.PingIntervalMS < 1000 {
		cfg.PingIntervalMS = 1000
	}
	// The liveness window defaults to three missed pings.
	if cfg.PongWindowMS <= 0 {
		cfg.PongWindowMS = 3 * cfg.PingIntervalMS
	}
	if cfg.AuthTimeoutMS < 1000 {
		cfg.AuthTimeoutMS = 1000
	}
	if cfg.UserRateLimit <= 0 {
		cfg.UserRateLimit = 5
	}
	if cfg.UserRateBurst < 1 {
		cfg.UserRateBurst = 1
	}
	return cfg, nil
}
