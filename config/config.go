package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BrokerConfig   BrokerConfig   `json:"broker"`
	FeedConfig     FeedConfig     `json:"feed"`
	AgentConfig    AgentConfig    `json:"agent"`
	RiskConfig     RiskConfig     `json:"risk"`
	AIConfig       AIConfig       `json:"ai"`
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// BrokerConfig holds DhanHQ REST API configuration.
// Credentials may instead come from Vault when VaultConfig.Enabled is set.
type BrokerConfig struct {
	BaseURL     string `json:"base_url"`
	ClientID    string `json:"client_id"`
	AccessToken string `json:"access_token"`
	LiveTrading bool   `json:"live_trading"` // false = paper mode, no broker order calls
}

// FeedConfig holds market-feed WebSocket configuration
type FeedConfig struct {
	Enabled      bool   `json:"enabled"`
	URL          string `json:"url"`
	TickStaleSec int    `json:"tick_stale_sec"` // ticks older than this are ignored
}

// AgentConfig bounds a single decision-loop run
type AgentConfig struct {
	MaxStepsPerRun      int           `json:"max_steps_per_run"`
	StepCooldown        time.Duration `json:"step_cooldown"`
	OptionChainCacheTTL time.Duration `json:"option_chain_cache_ttl"`
	MarketOpen          string        `json:"market_open"`  // "09:15"
	MarketClose         string        `json:"market_close"` // "15:30"
	Timezone            string        `json:"timezone"`     // IANA name, e.g. "Asia/Kolkata"
}

// RiskConfig holds the capital and sizing figures handed to the planner
type RiskConfig struct {
	CapitalBase            float64 `json:"capital_base"`
	PerTradeRiskPct        float64 `json:"per_trade_risk_pct"`
	TargetProfit           float64 `json:"target_profit"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
}

// AIConfig holds planner LLM configuration
type AIConfig struct {
	Provider       string        `json:"provider"` // "claude", "openai", or "deepseek"
	ClaudeAPIKey   string        `json:"claude_api_key"`
	OpenAIAPIKey   string        `json:"openai_api_key"`
	DeepSeekAPIKey string        `json:"deepseek_api_key"`
	Model          string        `json:"model"`
	MaxTokens      int           `json:"max_tokens"`
	Temperature    float64       `json:"temperature"`
	Timeout        time.Duration `json:"timeout"`
}

type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // false = console writer
}

// Load reads configuration once at startup. Precedence: environment variables
// override the optional JSON file, which overrides built-in defaults. A .env
// file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Broker config
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("DHAN_BASE_URL", cfg.BrokerConfig.BaseURL)
	if cfg.BrokerConfig.BaseURL == "" {
		cfg.BrokerConfig.BaseURL = "https://api.dhan.co/v2"
	}
	cfg.BrokerConfig.ClientID = getEnvOrDefault("DHAN_CLIENT_ID", cfg.BrokerConfig.ClientID)
	cfg.BrokerConfig.AccessToken = getEnvOrDefault("DHAN_ACCESS_TOKEN", cfg.BrokerConfig.AccessToken)
	cfg.BrokerConfig.LiveTrading = getEnvOrDefault("LIVE_TRADING", boolString(cfg.BrokerConfig.LiveTrading)) == "true"

	// Feed config
	cfg.FeedConfig.Enabled = getEnvOrDefault("FEED_ENABLED", "true") == "true"
	cfg.FeedConfig.URL = getEnvOrDefault("DHAN_FEED_URL", cfg.FeedConfig.URL)
	if cfg.FeedConfig.URL == "" {
		cfg.FeedConfig.URL = "wss://api-feed.dhan.co"
	}
	cfg.FeedConfig.TickStaleSec = getEnvIntOrDefault("FEED_TICK_STALE_SEC", 300)

	// Agent config
	cfg.AgentConfig.MaxStepsPerRun = getEnvIntOrDefault("AGENT_MAX_STEPS_PER_RUN", 10)
	cfg.AgentConfig.StepCooldown = getEnvDurationOrDefault("AGENT_STEP_COOLDOWN", 1*time.Second)
	cfg.AgentConfig.OptionChainCacheTTL = getEnvDurationOrDefault("AGENT_OPTION_CHAIN_CACHE_TTL", 20*time.Second)
	cfg.AgentConfig.MarketOpen = getEnvOrDefault("MARKET_OPEN", "09:15")
	cfg.AgentConfig.MarketClose = getEnvOrDefault("MARKET_CLOSE", "15:30")
	cfg.AgentConfig.Timezone = getEnvOrDefault("MARKET_TIMEZONE", "Asia/Kolkata")

	// Risk config
	cfg.RiskConfig.CapitalBase = getEnvFloatOrDefault("RISK_CAPITAL_BASE", 100000)
	cfg.RiskConfig.PerTradeRiskPct = getEnvFloatOrDefault("RISK_PER_TRADE_PCT", 1.0)
	cfg.RiskConfig.TargetProfit = getEnvFloatOrDefault("RISK_TARGET_PROFIT", 2000)
	cfg.RiskConfig.MaxConcurrentPositions = getEnvIntOrDefault("RISK_MAX_CONCURRENT_POSITIONS", 3)

	// AI config
	cfg.AIConfig.Provider = getEnvOrDefault("AI_LLM_PROVIDER", "claude")
	cfg.AIConfig.ClaudeAPIKey = getEnvOrDefault("AI_CLAUDE_API_KEY", cfg.AIConfig.ClaudeAPIKey)
	cfg.AIConfig.OpenAIAPIKey = getEnvOrDefault("AI_OPENAI_API_KEY", cfg.AIConfig.OpenAIAPIKey)
	cfg.AIConfig.DeepSeekAPIKey = getEnvOrDefault("AI_DEEPSEEK_API_KEY", cfg.AIConfig.DeepSeekAPIKey)
	cfg.AIConfig.Model = getEnvOrDefault("AI_LLM_MODEL", "claude-sonnet-4-20250514")
	cfg.AIConfig.MaxTokens = getEnvIntOrDefault("AI_MAX_TOKENS", 1024)
	cfg.AIConfig.Temperature = getEnvFloatOrDefault("AI_TEMPERATURE", 0.3)
	cfg.AIConfig.Timeout = getEnvDurationOrDefault("AI_TIMEOUT", 30*time.Second)

	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 300)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "postgres")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "agentbot")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "agent-bot/broker")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.VaultConfig.CACert)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

func (c *Config) validate() error {
	if c.AgentConfig.MaxStepsPerRun <= 0 {
		return fmt.Errorf("agent.max_steps_per_run must be positive, got %d", c.AgentConfig.MaxStepsPerRun)
	}
	if _, err := ParseClock(c.AgentConfig.MarketOpen); err != nil {
		return fmt.Errorf("agent.market_open: %w", err)
	}
	if _, err := ParseClock(c.AgentConfig.MarketClose); err != nil {
		return fmt.Errorf("agent.market_close: %w", err)
	}
	if _, err := time.LoadLocation(c.AgentConfig.Timezone); err != nil {
		return fmt.Errorf("agent.timezone: %w", err)
	}
	if c.RiskConfig.PerTradeRiskPct <= 0 || c.RiskConfig.PerTradeRiskPct > 100 {
		return fmt.Errorf("risk.per_trade_risk_pct must be in (0,100], got %v", c.RiskConfig.PerTradeRiskPct)
	}
	return nil
}

// ParseClock parses an "HH:MM" string into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
