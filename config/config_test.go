package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	minutes, err := ParseClock("09:15")
	require.NoError(t, err)
	assert.Equal(t, 9*60+15, minutes)

	minutes, err = ParseClock("15:30")
	require.NoError(t, err)
	assert.Equal(t, 15*60+30, minutes)

	_, err = ParseClock("9am")
	assert.Error(t, err)
	_, err = ParseClock("25:00")
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.dhan.co/v2", cfg.BrokerConfig.BaseURL)
	assert.False(t, cfg.BrokerConfig.LiveTrading, "paper mode must be the default")
	assert.Equal(t, 10, cfg.AgentConfig.MaxStepsPerRun)
	assert.Equal(t, time.Second, cfg.AgentConfig.StepCooldown)
	assert.Equal(t, 20*time.Second, cfg.AgentConfig.OptionChainCacheTTL)
	assert.Equal(t, "09:15", cfg.AgentConfig.MarketOpen)
	assert.Equal(t, "15:30", cfg.AgentConfig.MarketClose)
	assert.Equal(t, "Asia/Kolkata", cfg.AgentConfig.Timezone)
	assert.InDelta(t, 100000, cfg.RiskConfig.CapitalBase, 0.001)
	assert.Equal(t, 3, cfg.RiskConfig.MaxConcurrentPositions)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_MAX_STEPS_PER_RUN", "5")
	t.Setenv("LIVE_TRADING", "true")
	t.Setenv("MARKET_OPEN", "09:00")
	t.Setenv("RISK_PER_TRADE_PCT", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.AgentConfig.MaxStepsPerRun)
	assert.True(t, cfg.BrokerConfig.LiveTrading)
	assert.Equal(t, "09:00", cfg.AgentConfig.MarketOpen)
	assert.InDelta(t, 0.5, cfg.RiskConfig.PerTradeRiskPct, 1e-9)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MARKET_OPEN", "nonsense")
	_, err := Load()
	assert.Error(t, err)
}
