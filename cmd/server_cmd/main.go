package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/cmd"
	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/gateway"
	"github.com/TEENet-io/zenz-bridge/listener"
	"github.com/TEENet-io/zenz-bridge/logconfig"
	"github.com/TEENet-io/zenz-bridge/resilience"
)

const (
	ENV_CONFIG_FILE_PATH = "BRIDGE_CONFIG"
)

func main() {
	// Tool to read environment variables
	viper.AutomaticEnv()
	setDefaults()

	// Optional configuration file, env vars still win.
	if _config_file := viper.GetString(ENV_CONFIG_FILE_PATH); _config_file != "" {
		if !cmd.FileExists(_config_file) {
			fmt.Printf("Bridge server configuration file not found: %s\n", _config_file)
			os.Exit(1)
		}
		viper.SetConfigFile(_config_file)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Printf("Error reading configuration file, %s\n", err)
			os.Exit(1)
		}
	}

	if err := logconfig.ConfigFromLevel(viper.GetString("LOG_LEVEL")); err != nil {
		fmt.Printf("Bad LOG_LEVEL: %s\n", err)
		os.Exit(1)
	}

	// Make the configuration
	bsc, err := PrepareBridgeServerConfig()
	if err != nil {
		logger.WithField("err", err).Fatal("error loading bridge server configuration")
	}

	logger.Info("Starting bridge server... press Ctrl+C to kill the server")
	if err := cmd.StartBridgeServerAndWait(bsc); err != nil {
		logger.WithField("err", err).Fatal("bridge server stopped")
	}
}

func setDefaults() {
	viper.SetDefault("DB_FILE_PATH", "bridge.db")
	viper.SetDefault("LOG_LEVEL", "production")
	viper.SetDefault("HTTP_IP", "0.0.0.0")
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("GRPC_PORT", "9090")

	viper.SetDefault("HEALTH_CHECK_INTERVAL", "60s")
	viper.SetDefault("SILENCE_TIMEOUT", "5m")
	viper.SetDefault("MAX_RECONNECT_ATTEMPTS", 10)
	viper.SetDefault("RECONNECT_BACKOFF_BASE", "1s")
	viper.SetDefault("RECONNECT_BACKOFF_CAP", "30s")
	viper.SetDefault("LISTENER_BUFFER_SIZE", 64)

	viper.SetDefault("STUCK_TX_TIMEOUT", "30m")
	viper.SetDefault("STUCK_TX_SWEEP_INTERVAL", "10m")
	viper.SetDefault("COORDINATION_TIMEOUT", "30m")

	viper.SetDefault("PAYOUT_MAX_RETRIES", 3)
	viper.SetDefault("PAYOUT_RETRY_BASE_DELAY", "2s")
	viper.SetDefault("PAYOUT_RETRY_MAX_DELAY", "30s")
	viper.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	viper.SetDefault("BREAKER_RECOVERY_WINDOW", "60s")

	viper.SetDefault("PROCESSED_CACHE_SIZE", 10000)
	viper.SetDefault("PROCESSED_CACHE_TTL", "1h")
	viper.SetDefault("RESERVE_CACHE_SIZE", 16)
	viper.SetDefault("RESERVE_CACHE_TTL", "30s")

	viper.SetDefault("POLL_INTERVAL", "30s")
	viper.SetDefault("POLL_SIGNATURE_LIMIT", 50)
	viper.SetDefault("POLL_RPS", 5)

	viper.SetDefault("BTC_CHAIN_CONFIG", "regtest")
	viper.SetDefault("BTC_BOOTSTRAP_RESERVE", "0")
	viper.SetDefault("ZEC_BOOTSTRAP_RESERVE", "0")
	viper.SetDefault("MAX_PAYOUT_PER_TX", "0")
	viper.SetDefault("BRIDGE_PAUSED", false)
	viper.SetDefault("ACCOUNT_CHAIN_FORMAT", "evm")
}

// PrepareBridgeServerConfig reads configuration variables and returns a BridgeServerConfig.
// Chain RPC gateways are deployment specific; this command runs against
// simulated chains so the settlement core can be exercised end to end.
func PrepareBridgeServerConfig() (*cmd.BridgeServerConfig, error) {

	// *** prepare objects that aren't string type ***

	decimalOf := func(key string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(viper.GetString(key))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", key, err)
		}
		if d.IsNegative() {
			return decimal.Zero, fmt.Errorf("%s must not be negative", key)
		}
		return d, nil
	}
	btcReserve, err := decimalOf("BTC_BOOTSTRAP_RESERVE")
	if err != nil {
		return nil, err
	}
	zecReserve, err := decimalOf("ZEC_BOOTSTRAP_RESERVE")
	if err != nil {
		return nil, err
	}
	maxPayout, err := decimalOf("MAX_PAYOUT_PER_TX")
	if err != nil {
		return nil, err
	}

	workerID := viper.GetString("WORKER_ID")
	if workerID == "" {
		workerID = uuid.NewString()
	}

	accountChain := gateway.NewSimChain()
	collateralChain := gateway.NewSimChain()

	// *** end of preparing objects ***

	return &cmd.BridgeServerConfig{
		// state side
		DbFilePath: viper.GetString("DB_FILE_PATH"),
		WorkerID:   workerID,
		// Http side
		HttpIp:   viper.GetString("HTTP_IP"),
		HttpPort: viper.GetString("HTTP_PORT"),
		GrpcPort: viper.GetString("GRPC_PORT"),
		// account chain side
		ProgramID:          viper.GetString("BRIDGE_PROGRAM_ID"),
		TreasuryAccount:    viper.GetString("TREASURY_ACCOUNT"),
		AccountChainFormat: viper.GetString("ACCOUNT_CHAIN_FORMAT"),
		// collateral side
		BtcChainConfig:   common.BtcParamsByName(viper.GetString("BTC_CHAIN_CONFIG")),
		BtcBridgeAddress: viper.GetString("BTC_BRIDGE_ADDRESS"),
		ZecBridgeAddress: viper.GetString("ZEC_BRIDGE_ADDRESS"),

		Listener: listener.Config{
			HealthCheckInterval:  viper.GetDuration("HEALTH_CHECK_INTERVAL"),
			SilenceTimeout:       viper.GetDuration("SILENCE_TIMEOUT"),
			MaxReconnectAttempts: viper.GetInt("MAX_RECONNECT_ATTEMPTS"),
			BackoffBase:          viper.GetDuration("RECONNECT_BACKOFF_BASE"),
			BackoffCap:           viper.GetDuration("RECONNECT_BACKOFF_CAP"),
			BufferSize:           viper.GetInt("LISTENER_BUFFER_SIZE"),
		},

		StuckTxTimeout:       viper.GetDuration("STUCK_TX_TIMEOUT"),
		StuckTxSweepInterval: viper.GetDuration("STUCK_TX_SWEEP_INTERVAL"),
		CoordinationTimeout:  viper.GetDuration("COORDINATION_TIMEOUT"),

		Payout: resilience.Policy{
			MaxAttempts: viper.GetInt("PAYOUT_MAX_RETRIES"),
			BaseDelay:   viper.GetDuration("PAYOUT_RETRY_BASE_DELAY"),
			MaxDelay:    viper.GetDuration("PAYOUT_RETRY_MAX_DELAY"),
		},
		BreakerFailureThreshold: viper.GetInt("BREAKER_FAILURE_THRESHOLD"),
		BreakerRecoveryWindow:   viper.GetDuration("BREAKER_RECOVERY_WINDOW"),

		ProcessedCacheSize: viper.GetInt("PROCESSED_CACHE_SIZE"),
		ProcessedCacheTTL:  viper.GetDuration("PROCESSED_CACHE_TTL"),
		ReserveCacheSize:   viper.GetInt("RESERVE_CACHE_SIZE"),
		ReserveCacheTTL:    viper.GetDuration("RESERVE_CACHE_TTL"),

		PollInterval:       viper.GetDuration("POLL_INTERVAL"),
		PollSignatureLimit: viper.GetInt("POLL_SIGNATURE_LIMIT"),
		PollRPS:            viper.GetFloat64("POLL_RPS"),

		BootstrapReserve: map[agreement.Asset]decimal.Decimal{
			agreement.AssetBTC: btcReserve,
			agreement.AssetZEC: zecReserve,
		},
		MaxPayoutPerTx: maxPayout,
		Paused:         viper.GetBool("BRIDGE_PAUSED"),
		PrivacyKey:     viper.GetString("PRIVACY_KEY"),

		AccountChain:    accountChain,
		CollateralChain: collateralChain,
		Senders: map[agreement.Asset]agreement.PayoutSender{
			agreement.AssetBTC:    collateralChain,
			agreement.AssetZEC:    collateralChain,
			agreement.AssetZenBTC: accountChain,
			agreement.AssetZenZEC: accountChain,
		},
	}, nil
}
