// Server = stores on one sqlite file + listeners + settlement pipeline + http/grpc reporters.
// All components are configured via environment variables (strings!).

package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/coordinator"
	"github.com/TEENet-io/zenz-bridge/database"
	"github.com/TEENet-io/zenz-bridge/eventledger"
	"github.com/TEENet-io/zenz-bridge/gateway"
	"github.com/TEENet-io/zenz-bridge/listener"
	"github.com/TEENet-io/zenz-bridge/metrics"
	"github.com/TEENet-io/zenz-bridge/privacy"
	"github.com/TEENet-io/zenz-bridge/reporter"
	"github.com/TEENet-io/zenz-bridge/reserve"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/TEENet-io/zenz-bridge/settlement"
	"github.com/TEENet-io/zenz-bridge/state"
	"github.com/TEENet-io/zenz-bridge/transfermeta"
)

// Listener names, also used as grpc health service names.
const (
	LISTENER_REDEMPTION_LOGS  = "redemption_logs"
	LISTENER_TREASURY_ACCOUNT = "treasury_account"
	LISTENER_BTC_DEPOSITS     = "btc_deposits"
	LISTENER_ZEC_DEPOSITS     = "zec_deposits"
)

// Keep the configuration's fields as "text" as possible.
// Its easier to load it from env vars or a config file.
type BridgeServerConfig struct {
	// state side
	DbFilePath string // db file path
	WorkerID   string // coordinator owner of this process

	// Http / grpc side
	HttpIp   string // eg. 0.0.0.0
	HttpPort string // eg. 8080
	GrpcPort string // health service, empty to disable

	// account chain side
	ProgramID          string // bridge program emitting burn logs
	TreasuryAccount    string // polled for balance changes
	AccountChainFormat string // evm or aptos, for mint destinations

	// collateral side
	BtcChainConfig   *chaincfg.Params
	BtcBridgeAddress string // receives BTC deposits
	ZecBridgeAddress string // receives shielded ZEC deposits

	Listener listener.Config

	StuckTxTimeout       time.Duration
	StuckTxSweepInterval time.Duration
	CoordinationTimeout  time.Duration

	Payout                  resilience.Policy
	BreakerFailureThreshold int
	BreakerRecoveryWindow   time.Duration

	ProcessedCacheSize int
	ProcessedCacheTTL  time.Duration
	ReserveCacheSize   int
	ReserveCacheTTL    time.Duration

	PollInterval       time.Duration
	PollSignatureLimit int
	PollRPS            float64

	BootstrapReserve map[agreement.Asset]decimal.Decimal
	MaxPayoutPerTx   decimal.Decimal // zero = no limit
	Paused           bool
	PrivacyKey       string // hex, 32 bytes; empty disables encrypted destinations

	// Chain access. AccountChain carries burns and the treasury account,
	// CollateralChain the BTC and ZEC bridge addresses.
	AccountChain    agreement.ChainGateway
	CollateralChain agreement.ChainGateway
	// Senders per asset: BTC / ZEC pay out collateral, ZENBTC / ZENZEC mint.
	Senders map[agreement.Asset]agreement.PayoutSender
}

// BridgeServer holds the objects that consists of the bridge server.
type BridgeServer struct {
	cfg *BridgeServerConfig

	DB          *sql.DB
	Ledger      *eventledger.Ledger
	Coordinator *coordinator.Coordinator
	StateDB     *state.StateDB
	Reserve     *reserve.Manager
	Meta        *transfermeta.Store
	Guards      *settlement.Guards

	Service     *settlement.Service
	Reconciler  *settlement.Reconciler
	Sweeper     *settlement.Sweeper
	Listeners   []*listener.Listener
	Dispatchers []*settlement.Dispatcher

	Http   *reporter.HttpReporter
	Health *reporter.HealthReporter
}

// NewBridgeServer wires every component. Nothing runs until Run.
func NewBridgeServer(bsc *BridgeServerConfig) (*BridgeServer, error) {
	if bsc.AccountChain == nil {
		return nil, errors.New("account chain gateway is required")
	}
	if bsc.WorkerID == "" {
		return nil, coordinator.ErrEmptyOwner
	}

	// Create sql db, and the stores on it.
	db, err := database.Open(bsc.DbFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file: %w", err)
	}
	s := &BridgeServer{cfg: bsc, DB: db}

	if err := s.setupStores(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.setupSettlement(); err != nil {
		db.Close()
		return nil, err
	}
	s.setupListeners()

	s.Sweeper = settlement.NewSweeper(s.StateDB, s.Reserve, s.Coordinator, bsc.StuckTxTimeout, bsc.StuckTxSweepInterval)

	s.Http = reporter.NewHttpReporter(bsc.HttpIp, bsc.HttpPort, reporter.Sources{
		Listeners: s.Listeners,
		Service:   s.Service,
		Reserve:   s.Reserve,
		States:    s.StateDB,
		Meta:      s.Meta,
		Guards:    s.Guards,
	})

	logger.WithFields(logger.Fields{
		"owner":     bsc.WorkerID,
		"db":        bsc.DbFilePath,
		"listeners": len(s.Listeners),
		"assets":    s.Reserve.Assets(),
	}).Info("bridge server created")
	return s, nil
}

func (s *BridgeServer) setupStores() error {
	bsc := s.cfg
	var err error

	if s.Ledger, err = eventledger.NewLedger(s.DB, bsc.ProcessedCacheSize, bsc.ProcessedCacheTTL); err != nil {
		return fmt.Errorf("failed to create event ledger: %w", err)
	}
	if s.Coordinator, err = coordinator.New(s.DB, bsc.CoordinationTimeout); err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if s.StateDB, err = state.NewStateDB(s.DB); err != nil {
		return fmt.Errorf("failed to create state db: %w", err)
	}
	if s.Reserve, err = reserve.NewManager(s.DB, reserve.Config{
		Bootstrap: bsc.BootstrapReserve,
		CacheSize: bsc.ReserveCacheSize,
		CacheTTL:  bsc.ReserveCacheTTL,
	}); err != nil {
		return fmt.Errorf("failed to create reserve manager: %w", err)
	}
	if s.Meta, err = transfermeta.NewStore(s.DB); err != nil {
		return fmt.Errorf("failed to create transfer metadata store: %w", err)
	}
	s.Guards = settlement.NewGuards(bsc.Paused, bsc.MaxPayoutPerTx)
	return nil
}

func (s *BridgeServer) setupSettlement() error {
	bsc := s.cfg

	var oracle privacy.Oracle
	if bsc.PrivacyKey != "" {
		box, err := privacy.SecretBoxFromHex(bsc.PrivacyKey)
		if err != nil {
			return err
		}
		oracle = box
	}

	accountValidator, err := common.AccountChainValidator(bsc.AccountChainFormat)
	if err != nil {
		return err
	}
	btcParams := bsc.BtcChainConfig
	if btcParams == nil {
		btcParams = &chaincfg.RegressionNetParams
	}

	payouts := func(asset agreement.Asset, validate common.AddressValidator) *gateway.Payouts {
		sender, ok := bsc.Senders[asset]
		if !ok {
			return nil
		}
		return gateway.NewPayouts(asset, sender, validate)
	}
	btcOut := payouts(agreement.AssetBTC, common.BtcAddressValidator(btcParams))
	zecOut := payouts(agreement.AssetZEC, common.ZecAddressValidator())
	zenBtcMint := payouts(agreement.AssetZenBTC, accountValidator)
	zenZecMint := payouts(agreement.AssetZenZEC, accountValidator)

	var orchestrators []*settlement.Orchestrator
	add := func(dir settlement.Direction, err error) error {
		if err != nil {
			return err
		}
		o, err := settlement.NewOrchestrator(bsc.WorkerID, dir, s.Ledger, s.Coordinator, s.StateDB,
			s.newExecutor("payout_"+dir.Name()), s.Guards)
		if err != nil {
			return err
		}
		orchestrators = append(orchestrators, o)
		return nil
	}

	for _, collateral := range s.Reserve.Assets() {
		var out, mint *gateway.Payouts
		switch collateral {
		case agreement.AssetBTC:
			out, mint = btcOut, zenBtcMint
		case agreement.AssetZEC:
			out, mint = zecOut, zenZecMint
		default:
			continue
		}
		if out != nil {
			if err := add(settlement.NewRedemption(s.Meta, oracle, s.Reserve, out)); err != nil {
				return err
			}
		}
		if mint != nil {
			if err := add(settlement.NewDeposit(collateral, s.Meta, oracle, s.Reserve, mint)); err != nil {
				return err
			}
		}
		if out == nil || mint == nil {
			logger.WithField("asset", collateral).Warn("no payout sender, direction disabled")
		}
	}

	reads := gateway.NewGuarded(bsc.AccountChain, bsc.PollRPS, 1, s.newExecutor("chain_reads"))
	if s.Service, err = settlement.NewService(reads, orchestrators...); err != nil {
		return err
	}
	s.Reconciler = settlement.NewReconciler(reads, bsc.TreasuryAccount, bsc.PollSignatureLimit, bsc.PollInterval, s.Ledger, s.Service)
	return nil
}

// newExecutor builds a retry executor with its own breaker, both reporting to metrics.
func (s *BridgeServer) newExecutor(call string) *resilience.Executor {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: s.cfg.BreakerFailureThreshold,
		RecoveryWindow:   s.cfg.BreakerRecoveryWindow,
		OnStateChange: func(from, to resilience.BreakerState) {
			metrics.BreakerTransitions.WithLabelValues(call, to.String()).Inc()
			logger.WithFields(logger.Fields{
				"call": call,
				"from": from,
				"to":   to,
			}).Warn("circuit breaker state changed")
		},
	})
	exec := resilience.NewExecutor(call, s.cfg.Payout, breaker)
	exec.OnAttempt = func(name string, err error) {
		result := "ok"
		if err != nil {
			result = string(resilience.Classify(err))
		}
		metrics.PayoutAttempts.WithLabelValues(name, result).Inc()
	}
	return exec
}

func (s *BridgeServer) setupListeners() {
	bsc := s.cfg
	names := []string{}

	add := func(name string, gw agreement.ChainGateway, open listener.OpenFunc) {
		l := listener.New(name, open, gw, bsc.Listener)
		l.OnEvent = func(name string, _ agreement.ChainEvent) {
			metrics.ListenerEvents.WithLabelValues(name).Inc()
		}
		s.Listeners = append(s.Listeners, l)
		s.Dispatchers = append(s.Dispatchers, settlement.NewDispatcher(name, l.Events(), s.Service, s.Reconciler))
		names = append(names, name)
	}

	if bsc.ProgramID != "" {
		add(LISTENER_REDEMPTION_LOGS, bsc.AccountChain, func(ctx context.Context) (agreement.Subscription, error) {
			return bsc.AccountChain.SubscribeLogs(ctx, bsc.ProgramID, agreement.CommitmentConfirmed)
		})
	}
	if bsc.TreasuryAccount != "" {
		add(LISTENER_TREASURY_ACCOUNT, bsc.AccountChain, func(ctx context.Context) (agreement.Subscription, error) {
			return bsc.AccountChain.SubscribeAccountChange(ctx, bsc.TreasuryAccount, agreement.CommitmentConfirmed)
		})
	}
	if bsc.CollateralChain != nil && bsc.BtcBridgeAddress != "" {
		add(LISTENER_BTC_DEPOSITS, bsc.CollateralChain, func(ctx context.Context) (agreement.Subscription, error) {
			return bsc.CollateralChain.SubscribeAccountChange(ctx, bsc.BtcBridgeAddress, agreement.CommitmentFinalized)
		})
	}
	if bsc.CollateralChain != nil && bsc.ZecBridgeAddress != "" {
		add(LISTENER_ZEC_DEPOSITS, bsc.CollateralChain, func(ctx context.Context) (agreement.Subscription, error) {
			return bsc.CollateralChain.SubscribeAccountChange(ctx, bsc.ZecBridgeAddress, agreement.CommitmentFinalized)
		})
	}

	s.Health = reporter.NewHealthReporter(names...)
	for _, l := range s.Listeners {
		l.OnStateChange = func(name string, from, to listener.State) {
			s.Health.OnStateChange(name, from, to)
			listening := 0.0
			if to == listener.StateListening {
				listening = 1
			}
			metrics.ListenerState.WithLabelValues(name).Set(listening)
			if to == listener.StateReconnecting {
				metrics.ListenerReconnects.WithLabelValues(name).Inc()
			}
		}
	}
}

// Run starts every long-lived task and blocks until ctx is done or one of
// them fails. A listener that exhausts its reconnect budget stays stopped
// and is reported through /status and grpc health; it does not stop the server.
func (s *BridgeServer) Run(ctx context.Context) error {
	var grpcLis net.Listener
	if s.cfg.GrpcPort != "" {
		lis, err := net.Listen("tcp", net.JoinHostPort(s.cfg.HttpIp, s.cfg.GrpcPort))
		if err != nil {
			return err
		}
		grpcLis = lis
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, l := range s.Listeners {
		g.Go(func() error {
			if err := l.Run(ctx); err != nil {
				logger.WithFields(logger.Fields{
					"listener": l.Name(),
					"err":      err,
				}).Error("listener gave up")
			}
			return nil
		})
	}
	for _, d := range s.Dispatchers {
		g.Go(func() error { return d.Run(ctx) })
	}
	if s.cfg.TreasuryAccount != "" {
		g.Go(func() error { return s.Reconciler.Loop(ctx) })
	}
	g.Go(func() error { return s.Sweeper.Start(ctx) })
	g.Go(func() error { return s.Http.Run(ctx) })

	if grpcLis != nil {
		g.Go(func() error { return s.Health.Serve(ctx, grpcLis) })
	}

	g.Go(func() error {
		<-ctx.Done()
		for _, l := range s.Listeners {
			l.Stop()
		}
		return nil
	})

	return g.Wait()
}

func (s *BridgeServer) Close() {
	s.Ledger.Close()
	s.Coordinator.Close()
	s.StateDB.Close()
	s.Reserve.Close()
	s.Meta.Close()
	if err := s.DB.Close(); err != nil {
		logger.WithField("err", err).Warn("failed to close db")
	}
}

// Create, then start the bridge server and wait.
// Press Ctrl-C to kill the server.
func StartBridgeServerAndWait(bsc *BridgeServerConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up a signal channel to listen for Ctrl-C (SIGINT) or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig).Info("received signal, cancelling context")
		cancel()
	}()

	server, err := NewBridgeServer(bsc)
	if err != nil {
		return fmt.Errorf("failed to create bridge server: %w", err)
	}
	defer server.Close()

	return server.Run(ctx)
}
