package reporter

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/coordinator"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/TEENet-io/zenz-bridge/eventledger"
	"github.com/TEENet-io/zenz-bridge/gateway"
	"github.com/TEENet-io/zenz-bridge/listener"
	"github.com/TEENet-io/zenz-bridge/reserve"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/TEENet-io/zenz-bridge/settlement"
	"github.com/TEENet-io/zenz-bridge/state"
	"github.com/TEENet-io/zenz-bridge/transfermeta"
)

const (
	btcAddr = "mkVXZnqaaKt4puQNr4ovPHYg48mjguFCnT"
	user    = "0x1111111111111111111111111111111111111111"
)

type fixture struct {
	sim    *gateway.SimChain
	reader *HttpReader
	states *state.StateDB
}

func newFixture(t *testing.T) *fixture {
	db, err := database.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger, err := eventledger.NewLedger(db, 100, time.Hour)
	require.NoError(t, err)
	coord, err := coordinator.New(db, 30*time.Minute)
	require.NoError(t, err)
	states, err := state.NewStateDB(db)
	require.NoError(t, err)
	rm, err := reserve.NewManager(db, reserve.Config{
		Bootstrap: map[agreement.Asset]decimal.Decimal{agreement.AssetBTC: decimal.RequireFromString("0.5")},
	})
	require.NoError(t, err)
	meta, err := transfermeta.NewStore(db)
	require.NoError(t, err)

	sim := gateway.NewSimChain()
	payouts := gateway.NewPayouts(agreement.AssetBTC, sim, common.BtcAddressValidator(&chaincfg.RegressionNetParams))
	dir, err := settlement.NewRedemption(meta, nil, rm, payouts)
	require.NoError(t, err)
	exec := resilience.NewExecutor("payout", resilience.Policy{MaxAttempts: 1}, nil)
	guards := settlement.NewGuards(false, decimal.Zero)
	o, err := settlement.NewOrchestrator("w1", dir, ledger, coord, states, exec, guards)
	require.NoError(t, err)
	svc, err := settlement.NewService(sim, o)
	require.NoError(t, err)

	l := listener.New("redemption", func(ctx context.Context) (agreement.Subscription, error) {
		return sim.SubscribeLogs(ctx, "bridge", agreement.CommitmentConfirmed)
	}, sim, listener.DefaultConfig())

	rep := NewHttpReporter("127.0.0.1", "0", Sources{
		Listeners: []*listener.Listener{l},
		Service:   svc,
		Reserve:   rm,
		States:    states,
		Meta:      meta,
		Guards:    guards,
	})
	srv := httptest.NewServer(rep.SetupRouter())
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	return &fixture{sim: sim, reader: NewHttpReader(host, port), states: states}
}

// announce records a redemption of amount and puts its burn on chain.
func (f *fixture) announce(t *testing.T, sig, amount string) {
	require.NoError(t, f.reader.RecordTransfer(&agreement.JSONTransferMetadata{
		ChainTxSignature:     sig,
		TransferType:         "redemption",
		ExpectedCounterparty: user,
		ExpectedAmount:       amount,
	}))
	f.sim.AddTransaction(&agreement.ChainTransaction{
		Signature: sig,
		Events: []agreement.ChainEvent{{
			Signature:   sig,
			Type:        agreement.EventBurnForBTC,
			Subject:     user,
			Destination: btcAddr,
			Amount:      decimal.RequireFromString(amount),
		}},
	})
}

func TestHello(t *testing.T) {
	f := newFixture(t)
	msg, err := f.reader.GetHello()
	require.NoError(t, err)
	assert.Equal(t, "world", msg)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	st, err := f.reader.GetStatus()
	require.NoError(t, err)
	require.Len(t, st.Listeners, 1)
	assert.Equal(t, "redemption", st.Listeners[0].Name)
	assert.False(t, st.Listeners[0].Listening)
	assert.False(t, st.Paused)
	assert.Equal(t, 0, st.Counts[state.StatusPending])
}

func TestCheckReserve(t *testing.T) {
	f := newFixture(t)

	check, err := f.reader.CheckReserve(agreement.AssetBTC, "0.6")
	require.NoError(t, err)
	assert.False(t, check.Sufficient)
	assert.Equal(t, "0.1", check.Shortfall)

	check, err = f.reader.CheckReserve(agreement.AssetBTC, "0.2")
	require.NoError(t, err)
	assert.True(t, check.Sufficient)

	_, err = f.reader.CheckReserve(agreement.AssetZEC, "0.2")
	assert.ErrorContains(t, err, "404")
	_, err = f.reader.CheckReserve(agreement.AssetBTC, "-1")
	assert.ErrorContains(t, err, "400")

	snap, err := f.reader.GetReserve(agreement.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, "0.5", snap.Available)
}

func TestRedemptionFlow(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.reader.RecordTransfer(&agreement.JSONTransferMetadata{
		ChainTxSignature:     "S1",
		TransferType:         "redemption",
		ExpectedCounterparty: user,
		ExpectedAmount:       "0.2",
	}))
	err := f.reader.RecordTransfer(&agreement.JSONTransferMetadata{
		ChainTxSignature:     "S1",
		TransferType:         "redemption",
		ExpectedCounterparty: user,
		ExpectedAmount:       "0.3",
	})
	assert.ErrorContains(t, err, "409")

	f.sim.AddTransaction(&agreement.ChainTransaction{
		Signature: "S1",
		Events: []agreement.ChainEvent{{
			Signature:   "S1",
			Type:        agreement.EventBurnForBTC,
			Subject:     user,
			Destination: btcAddr,
			Amount:      decimal.RequireFromString("0.2"),
		}},
	})

	res, code, err := f.reader.ProcessRedemption(settlement.RedemptionParams{Signature: "S1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, settlement.OutcomeProcessed, res.Outcome)

	tx, err := f.reader.GetTransaction("S1")
	require.NoError(t, err)
	assert.Equal(t, "processed", tx.Status)
	assert.Equal(t, res.DestTxRef, tx.DestTxRef)

	_, err = f.reader.GetTransaction("nope")
	assert.ErrorContains(t, err, "404")

	_, code, err = f.reader.ProcessRedemption(settlement.RedemptionParams{Signature: "missing"})
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	_, code, err = f.reader.ProcessRedemption(settlement.RedemptionParams{})
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGuardRoutes(t *testing.T) {
	f := newFixture(t)

	g, err := f.reader.SetPaused(true)
	require.NoError(t, err)
	assert.True(t, g.Paused)
	assert.Equal(t, "0", g.MaxPayoutPerTx)

	st, err := f.reader.GetStatus()
	require.NoError(t, err)
	assert.True(t, st.Paused)

	f.announce(t, "G1", "0.2")
	res, code, err := f.reader.ProcessRedemption(settlement.RedemptionParams{Signature: "G1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, settlement.OutcomePending, res.Outcome)
	assert.Empty(t, f.sim.Payouts())

	g, err = f.reader.SetMaxPayout("0.1")
	require.NoError(t, err)
	assert.Equal(t, "0.1", g.MaxPayoutPerTx)
	_, err = f.reader.SetMaxPayout("-1")
	assert.ErrorContains(t, err, "400")
	_, err = f.reader.SetMaxPayout("lots")
	assert.ErrorContains(t, err, "400")

	g, err = f.reader.SetPaused(false)
	require.NoError(t, err)
	assert.False(t, g.Paused)

	_, code, err = f.reader.ProcessRedemption(settlement.RedemptionParams{Signature: "G1"})
	assert.ErrorContains(t, err, settlement.ErrAmountExceedsMax.Error())
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	_, err = f.reader.SetMaxPayout("0")
	require.NoError(t, err)
	f.announce(t, "G2", "0.3")
	res, _, err = f.reader.ProcessRedemption(settlement.RedemptionParams{Signature: "G2"})
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeProcessed, res.Outcome)
}

func TestRefusedRedemptionIsUnprocessable(t *testing.T) {
	f := newFixture(t)
	f.announce(t, "R1", "0.6")

	_, code, err := f.reader.ProcessRedemption(settlement.RedemptionParams{Signature: "R1"})
	assert.ErrorContains(t, err, reserve.ErrInsufficientReserve.Error())
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	// the failed transaction is not handed out again without a manual retry
	_, code, err = f.reader.ProcessRedemption(settlement.RedemptionParams{Signature: "R1"})
	assert.ErrorContains(t, err, settlement.ErrNotRetryable.Error())
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Empty(t, f.sim.Payouts())
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.reader.url(ROUTE_METRICS))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthFollowsListenerState(t *testing.T) {
	h := NewHealthReporter("logs")
	ctx := context.Background()
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: "logs"})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	h.OnStateChange("logs", listener.StateConnecting, listener.StateListening)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	h.OnStateChange("logs", listener.StateListening, listener.StateDegraded)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}

func TestHealthServeStops(t *testing.T) {
	h := NewHealthReporter("logs")
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, lis) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}
