package cmd_test

// Notice:
// This test runs a complete bridge server against two simulated chains:
// 1) an account chain carrying the bridge program logs and the treasury account,
// 2) a collateral chain carrying the BTC and ZEC bridge addresses.

// The test includes:
// 1. Set up of a real bridge server on a sqlite file.
// 2. Test BTC deposit (mint zenBTC on the account chain).
// 3. Test zenBTC redemption from the log stream (burn, get BTC back).
// 4. Test a redemption found only by the treasury poll.

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/cmd"
	"github.com/TEENet-io/zenz-bridge/gateway"
	"github.com/TEENet-io/zenz-bridge/listener"
	"github.com/TEENet-io/zenz-bridge/logconfig"
	"github.com/TEENet-io/zenz-bridge/reporter"
	"github.com/TEENet-io/zenz-bridge/resilience"
)

const (
	RETRY_TIMES    = 50 // retry times for checking a settlement
	RETRY_INTERVAL = 100 * time.Millisecond

	PROGRAM_ID         = "zenzBridgeProgram"
	TREASURY_ACCOUNT   = "treasury"
	BTC_BRIDGE_ADDRESS = "mvqq54khZQta7zDqFGoyN7BVK7Li4Xwnih"
	ZEC_BRIDGE_ADDRESS = "zs1bridge"

	BTC_USER_ACCOUNT_ADDR = "moHYHpgk4YgTCeLBmDE2teQ3qVLUtM95Fn"
	EVM_USER_ACCOUNT_ADDR = "0x8ddF05F9A5c488b4973897E278B58895bF87Cb24"
)

func freePort(t *testing.T) string {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	_, port, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	return port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	for i := 0; i < RETRY_TIMES; i++ {
		if cond() {
			return
		}
		time.Sleep(RETRY_INTERVAL)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newConfig(t *testing.T, accountChain, collateralChain *gateway.SimChain) *cmd.BridgeServerConfig {
	return &cmd.BridgeServerConfig{
		DbFilePath: filepath.Join(t.TempDir(), "bridge.db"),
		WorkerID:   uuid.NewString(),
		HttpIp:     "127.0.0.1",
		HttpPort:   freePort(t),
		GrpcPort:   freePort(t),

		ProgramID:          PROGRAM_ID,
		TreasuryAccount:    TREASURY_ACCOUNT,
		AccountChainFormat: "evm",
		BtcChainConfig:     &chaincfg.RegressionNetParams,
		BtcBridgeAddress:   BTC_BRIDGE_ADDRESS,
		ZecBridgeAddress:   ZEC_BRIDGE_ADDRESS,

		Listener: listener.Config{
			HealthCheckInterval: 50 * time.Millisecond,
			SilenceTimeout:      time.Minute,
			BackoffBase:         10 * time.Millisecond,
			BackoffCap:          50 * time.Millisecond,
		},
		StuckTxTimeout:       30 * time.Minute,
		StuckTxSweepInterval: time.Minute,
		CoordinationTimeout:  30 * time.Minute,
		Payout: resilience.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
		PollInterval:       time.Hour, // only explicit triggers
		PollSignatureLimit: 10,
		BootstrapReserve: map[agreement.Asset]decimal.Decimal{
			agreement.AssetBTC: decimal.RequireFromString("1"),
			agreement.AssetZEC: decimal.RequireFromString("1"),
		},

		AccountChain:    accountChain,
		CollateralChain: collateralChain,
		Senders: map[agreement.Asset]agreement.PayoutSender{
			agreement.AssetBTC:    collateralChain,
			agreement.AssetZEC:    collateralChain,
			agreement.AssetZenBTC: accountChain,
			agreement.AssetZenZEC: accountChain,
		},
	}
}

func TestBridgeServer(t *testing.T) {
	logconfig.ConfigInfoLogger()

	accountChain := gateway.NewSimChain()
	collateralChain := gateway.NewSimChain()
	bsc := newConfig(t, accountChain, collateralChain)
	httpPort := bsc.HttpPort

	server, err := cmd.NewBridgeServer(bsc)
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	reader := reporter.NewHttpReader("127.0.0.1", httpPort)
	waitFor(t, "all listeners listening", func() bool {
		st, err := reader.GetStatus()
		if err != nil || len(st.Listeners) != 4 {
			return false
		}
		for _, l := range st.Listeners {
			if !l.Listening {
				return false
			}
		}
		return true
	})

	settled := func(sig string) func() bool {
		return func() bool {
			tx, err := reader.GetTransaction(sig)
			return err == nil && tx.Status == "processed"
		}
	}

	// 1. BTC deposit, minted on the account chain
	collateralChain.EmitAccountChange(BTC_BRIDGE_ADDRESS, agreement.ChainEvent{
		Signature:   "deposit-1",
		Type:        agreement.EventBTCDeposit,
		Subject:     BTC_USER_ACCOUNT_ADDR,
		Destination: EVM_USER_ACCOUNT_ADDR,
		Amount:      decimal.RequireFromString("0.2"),
	})
	waitFor(t, "deposit settled", settled("deposit-1"))
	mints := accountChain.Payouts()
	require.Len(t, mints, 1)
	assert.Equal(t, EVM_USER_ACCOUNT_ADDR, mints[0].Destination)

	// 2. Redemption announced, then burned
	require.NoError(t, reader.RecordTransfer(&agreement.JSONTransferMetadata{
		ChainTxSignature:     "burn-1",
		TransferType:         "redemption",
		ExpectedCounterparty: EVM_USER_ACCOUNT_ADDR,
		ExpectedAmount:       "0.1",
	}))
	accountChain.EmitLog(PROGRAM_ID, agreement.ChainEvent{
		Signature:   "burn-1",
		Type:        agreement.EventBurnForBTC,
		Subject:     EVM_USER_ACCOUNT_ADDR,
		Destination: BTC_USER_ACCOUNT_ADDR,
		Amount:      decimal.RequireFromString("0.1"),
	})
	waitFor(t, "redemption settled", settled("burn-1"))

	// 3. Redemption missed by the log stream, found by the treasury poll
	require.NoError(t, reader.RecordTransfer(&agreement.JSONTransferMetadata{
		ChainTxSignature:     "burn-2",
		TransferType:         "redemption",
		ExpectedCounterparty: EVM_USER_ACCOUNT_ADDR,
		ExpectedAmount:       "0.05",
	}))
	accountChain.AddTransaction(&agreement.ChainTransaction{
		Signature: "burn-2",
		Events: []agreement.ChainEvent{{
			Signature:   "burn-2",
			Type:        agreement.EventBurnForBTC,
			Subject:     EVM_USER_ACCOUNT_ADDR,
			Destination: BTC_USER_ACCOUNT_ADDR,
			Amount:      decimal.RequireFromString("0.05"),
		}},
	}, TREASURY_ACCOUNT)
	accountChain.EmitAccountChange(TREASURY_ACCOUNT, agreement.ChainEvent{Type: agreement.EventBalanceChange})
	waitFor(t, "polled redemption settled", settled("burn-2"))

	payouts := collateralChain.Payouts()
	require.Len(t, payouts, 2)
	for _, p := range payouts {
		assert.Equal(t, BTC_USER_ACCOUNT_ADDR, p.Destination)
	}

	snap, err := reader.GetReserve(agreement.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, "1.05", snap.Available)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestBridgeServerGrpcPortTaken(t *testing.T) {
	logconfig.ConfigInfoLogger()

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	_, port, err := net.SplitHostPort(taken.Addr().String())
	require.NoError(t, err)

	accountChain := gateway.NewSimChain()
	collateralChain := gateway.NewSimChain()
	bsc := newConfig(t, accountChain, collateralChain)
	bsc.GrpcPort = port

	server, err := cmd.NewBridgeServer(bsc)
	require.NoError(t, err)
	defer server.Close()

	err = server.Run(context.Background())
	require.Error(t, err)

	// nothing was started before the port was found taken
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, accountChain.SubscribeCalls())
	assert.Zero(t, collateralChain.SubscribeCalls())
	_, err = reporter.NewHttpReader("127.0.0.1", bsc.HttpPort).GetHello()
	assert.Error(t, err)
}
