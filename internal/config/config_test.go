package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(fakeEnv(map[string]string{
		"RPC_HTTP_URL":          "https://bsc-rpc.example/",
		"SYSTEM_WALLET_ADDRESS": "0xabc",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://bsc-rpc.example/"}, cfg.RPCHTTPURLs)
	assert.Equal(t, int64(56), cfg.ChainID)
	assert.Equal(t, uint64(12), cfg.ConfirmationBlocks)
	assert.Equal(t, 60*time.Second, cfg.PollInterval)
	assert.Equal(t, "10", cfg.MinWithdrawalAmount)
	assert.Equal(t, "10", cfg.MinimumDeposit)
	assert.Equal(t, "5000", cfg.MinimumPlexBalance)
	assert.True(t, cfg.AutoWithdrawalEnabled)
	assert.False(t, cfg.IsDailyLimitEnabled)
	assert.Equal(t, 6, cfg.RewardAccrualPeriodHours)
	assert.Equal(t, time.Unix(0, 0).UTC(), cfg.ProjectStartAt)
}

func TestFromEnvAlternatesAndOverrides(t *testing.T) {
	cfg, err := FromEnv(fakeEnv(map[string]string{
		"RPC_HTTP_URL":             "https://primary/",
		"RPC_HTTP_URL_ALTERNATES": "https://alt1/, https://alt2/",
		"SYSTEM_WALLET_ADDRESS":   "0xabc",
		"CHAIN_ID":                "97",
		"IS_DAILY_LIMIT_ENABLED":  "true",
		"AUTO_WITHDRAWAL_ENABLED": "false",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://primary/", "https://alt1/", "https://alt2/"}, cfg.RPCHTTPURLs)
	assert.Equal(t, int64(97), cfg.ChainID)
	assert.True(t, cfg.IsDailyLimitEnabled)
	assert.False(t, cfg.AutoWithdrawalEnabled)
}

func TestFromEnvRequiresRPCURL(t *testing.T) {
	_, err := FromEnv(fakeEnv(map[string]string{
		"SYSTEM_WALLET_ADDRESS": "0xabc",
	}))
	assert.Error(t, err)
}

func TestFromEnvRequiresSystemWallet(t *testing.T) {
	_, err := FromEnv(fakeEnv(map[string]string{
		"RPC_HTTP_URL": "https://primary/",
	}))
	assert.Error(t, err)
}

func TestFromEnvRejectsInvalidProjectStartAt(t *testing.T) {
	_, err := FromEnv(fakeEnv(map[string]string{
		"RPC_HTTP_URL":          "https://primary/",
		"SYSTEM_WALLET_ADDRESS": "0xabc",
		"PROJECT_START_AT":      "not-a-timestamp",
	}))
	assert.Error(t, err)
}
