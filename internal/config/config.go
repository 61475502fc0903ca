// Package config loads the process-level configuration named in spec §6.
// It is read once at startup by cmd/financial-core from environment
// variables (only the MySQL DSN can also be given as a urfave/cli flag,
// --mysql-dsn) and passed to constructors explicitly — there is no
// package-level singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the static, process-wide configuration. It does not include
// GlobalSettings (spec §3), which is a store-backed snapshot reloaded on a
// timer by internal/settings — config here is what the process cannot
// change without a restart.
type Config struct {
	RPCHTTPURLs []string // rpc_http_url and alternates, ordered, first is primary
	RPCWSURL    string

	USDTContractAddress string
	PLEXContractAddress string
	SystemWalletAddress string

	PayoutWalletAddress    string
	PayoutWalletPrivateKey string // loaded from a secret store out of scope; env var here is a placeholder seam

	ChainID            int64
	ConfirmationBlocks uint64
	PollInterval       time.Duration

	EmergencyStopDeposits     bool
	EmergencyStopWithdrawals  bool
	BlockchainMaintenanceMode bool

	MinWithdrawalAmount string
	MinimumDeposit      string
	MinimumPlexBalance  string

	AutoWithdrawalEnabled bool
	IsDailyLimitEnabled   bool
	DailyWithdrawalLimit  string

	ProjectStartAt time.Time

	RewardAccrualPeriodHours int

	RedisAddr  string
	MySQLDSN   string
	MetricsAddr string
}

// FromEnv populates a Config from the environment variables named in
// spec §6, applying the documented defaults where the source is silent.
func FromEnv(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := &Config{
		RPCWSURL:                  getenv("RPC_WS_URL"),
		USDTContractAddress:       getenv("USDT_CONTRACT_ADDRESS"),
		PLEXContractAddress:       getenv("PLEX_CONTRACT_ADDRESS"),
		SystemWalletAddress:       getenv("SYSTEM_WALLET_ADDRESS"),
		PayoutWalletAddress:       getenv("PAYOUT_WALLET_ADDRESS"),
		PayoutWalletPrivateKey:    getenv("PAYOUT_WALLET_PRIVATE_KEY"),
		MinWithdrawalAmount:       orDefault(getenv("MIN_WITHDRAWAL_AMOUNT"), "10"),
		MinimumDeposit:            orDefault(getenv("MINIMUM_DEPOSIT_AMOUNT"), "10"),
		MinimumPlexBalance:        orDefault(getenv("MINIMUM_PLEX_BALANCE"), "5000"),
		DailyWithdrawalLimit:      getenv("DAILY_WITHDRAWAL_LIMIT"),
		RedisAddr:                 orDefault(getenv("REDIS_ADDR"), "127.0.0.1:6379"),
		MySQLDSN:                  getenv("MYSQL_DSN"),
		MetricsAddr:               orDefault(getenv("METRICS_ADDR"), ":9400"),
	}

	c.RPCHTTPURLs = splitNonEmpty(getenv("RPC_HTTP_URL"))
	for _, alt := range strings.Split(getenv("RPC_HTTP_URL_ALTERNATES"), ",") {
		if alt = strings.TrimSpace(alt); alt != "" {
			c.RPCHTTPURLs = append(c.RPCHTTPURLs, alt)
		}
	}

	var err error
	if c.ChainID, err = parseInt64(getenv("CHAIN_ID"), 56); err != nil {
		return nil, fmt.Errorf("config: CHAIN_ID: %w", err)
	}
	var cb int64
	if cb, err = parseInt64(getenv("CONFIRMATION_BLOCKS"), 12); err != nil {
		return nil, fmt.Errorf("config: CONFIRMATION_BLOCKS: %w", err)
	}
	c.ConfirmationBlocks = uint64(cb)

	pollSeconds, err := parseInt64(getenv("POLL_INTERVAL_S"), 60)
	if err != nil {
		return nil, fmt.Errorf("config: POLL_INTERVAL_S: %w", err)
	}
	c.PollInterval = time.Duration(pollSeconds) * time.Second

	c.EmergencyStopDeposits = parseBool(getenv("EMERGENCY_STOP_DEPOSITS"))
	c.EmergencyStopWithdrawals = parseBool(getenv("EMERGENCY_STOP_WITHDRAWALS"))
	c.BlockchainMaintenanceMode = parseBool(getenv("BLOCKCHAIN_MAINTENANCE_MODE"))
	c.AutoWithdrawalEnabled = parseBool(orDefault(getenv("AUTO_WITHDRAWAL_ENABLED"), "true"))
	c.IsDailyLimitEnabled = parseBool(getenv("IS_DAILY_LIMIT_ENABLED"))

	rewardHours, err := parseInt64(getenv("REWARD_ACCRUAL_PERIOD_HOURS"), 6)
	if err != nil {
		return nil, fmt.Errorf("config: REWARD_ACCRUAL_PERIOD_HOURS: %w", err)
	}
	c.RewardAccrualPeriodHours = int(rewardHours)

	if raw := getenv("PROJECT_START_AT"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("config: PROJECT_START_AT: %w", err)
		}
		c.ProjectStartAt = t
	} else {
		c.ProjectStartAt = time.Unix(0, 0).UTC()
	}

	if len(c.RPCHTTPURLs) == 0 {
		return nil, fmt.Errorf("config: RPC_HTTP_URL is required")
	}
	if c.SystemWalletAddress == "" {
		return nil, fmt.Errorf("config: SYSTEM_WALLET_ADDRESS is required")
	}

	return c, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitNonEmpty(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
