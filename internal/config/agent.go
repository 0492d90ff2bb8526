package config

import (
	"fmt"
	"strings"
)

// AgentConfig holds configuration for the relay agent binary, which attaches
// to the user's running browser and executes delegated requests.
type AgentConfig struct {
	GatewayWSURL string
	AgentToken   string

	// CDP connection to the user's browser. An empty TabURLFilter matches
	// the first page tab.
	CDPAddress   string
	CDPPort      int
	TabURLFilter string

	// Managed browser launch. When enabled the agent starts a Chromium with
	// a persistent profile on the CDP port above instead of requiring an
	// already-running browser.
	LaunchBrowser     bool
	BrowserProfileDir string
	BrowserStartURL   string

	FetchTimeoutMS int

	// Reconnect backoff bounds.
	ReconnectMinMS int
	ReconnectMaxMS int

	LogLevel string
	LogFile  string
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		GatewayWSURL:      getEnvOrDefault("AGENT_GATEWAY_WS_URL", "ws://127.0.0.1:8190/ws"),
		AgentToken:        getEnvOrDefault("AGENT_TOKEN", ""),
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabURLFilter:      getEnvOrDefault("AGENT_TAB_URL_FILTER", ""),
		LaunchBrowser:     getEnvBoolOrDefault("AGENT_LAUNCH_BROWSER", false),
		BrowserProfileDir: getEnvOrDefault("AGENT_BROWSER_PROFILE_DIR", "browser-profile"),
		BrowserStartURL:   getEnvOrDefault("AGENT_BROWSER_START_URL", "about:blank"),
		FetchTimeoutMS:    getEnvIntOrDefault("AGENT_FETCH_TIMEOUT_MS", 10000),
		ReconnectMinMS:    getEnvIntOrDefault("AGENT_RECONNECT_MIN_MS", 1000),
		ReconnectMaxMS:    getEnvIntOrDefault("AGENT_RECONNECT_MAX_MS", 30000),
		LogLevel:          strings.ToLower(getEnvOrDefault("AGENT_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("AGENT_LOG_FILE", "logs/relay_agent.log"),
	}
	if cfg.AgentToken == "" {
		return nil, fmt.Errorf("AGENT_TOKEN is required")
	}
	if cfg.FetchTimeoutMS < 1000 {
		cfg.FetchTimeoutMS = 1000
	}
	if cfg.ReconnectMinMS < 100 {
		cfg.ReconnectMinMS = 100
	}
	if cfg.ReconnectMaxMS < cfg.ReconnectMinMS {
		cfg.ReconnectMaxMS = cfg.ReconnectMinMS
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint used by the chromedp remote
// allocator.
func (c *AgentConfig) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}
