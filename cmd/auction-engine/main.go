package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cloudx-io/pennyauction/config"
	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/events"
	"github.com/cloudx-io/pennyauction/gateway"
	"github.com/cloudx-io/pennyauction/server"
	"github.com/cloudx-io/pennyauction/settlement"
	"github.com/cloudx-io/pennyauction/store/postgres"
	"github.com/cloudx-io/pennyauction/store/redisclaims"
	"github.com/cloudx-io/pennyauction/voucher"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("ENGINE_CONFIG"), "Path to the YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("ERROR: Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	log.Printf("INFO: Auction engine stopped")
}

// stores are the persistence collaborators selected by configuration
type stores struct {
	ledger core.Ledger
	claims core.ClaimStore
	faults settlement.FaultJournal
	close  []func() error
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	s := &stores{
		ledger: core.NewMemoryLedger(),
		claims: core.NewMemoryClaimStore(),
		faults: settlement.NewMemoryFaultJournal(),
	}

	var db *sql.DB
	if cfg.Store.Driver == config.DriverPostgres || cfg.Store.ClaimStore == config.DriverPostgres {
		var err error
		db, err = postgres.Connect(ctx, cfg.Store.PostgresDSN, cfg.Server.MaxWorkers+cfg.Jobs.ReconcileWorkers)
		if err != nil {
			return nil, err
		}
		s.close = append(s.close, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			s.shutdown()
			return nil, err
		}
	}

	if cfg.Store.Driver == config.DriverPostgres {
		s.ledger = postgres.NewLedger(db)
		s.faults = postgres.NewFaultJournal(db)
		log.Printf("INFO: Using PostgreSQL ledger and fault journal")
	} else {
		log.Printf("WARNING: Using in-memory ledger; auctions are lost on restart")
	}

	switch cfg.Store.ClaimStore {
	case config.DriverPostgres:
		s.claims = postgres.NewClaimStore(db)
		log.Printf("INFO: Using PostgreSQL claim store")
	case config.DriverRedis:
		client, err := redisclaims.Connect(ctx, cfg.Store.RedisURL)
		if err != nil {
			s.shutdown()
			return nil, err
		}
		s.close = append(s.close, client.Close)
		s.claims = redisclaims.New(client)
		log.Printf("INFO: Using Redis claim store")
	}
	return s, nil
}

func (s *stores) shutdown() {
	for i := len(s.close) - 1; i >= 0; i-- {
		if err := s.close[i](); err != nil {
			log.Printf("ERROR: Failed to close store: %v", err)
		}
	}
}

func gateways(cfg config.Config) (settlement.BalanceGateway, settlement.PayoutGateway) {
	client := &http.Client{Timeout: cfg.Gateways.CallTimeout}

	var balances settlement.BalanceGateway
	if cfg.Gateways.BalanceURL != "" {
		balances = gateway.NewBalanceClient(cfg.Gateways.BalanceURL, client)
	} else {
		log.Printf("WARNING: No balance service configured, using an in-memory wallet")
		balances = gateway.NewWallet()
	}

	var payouts settlement.PayoutGateway
	if cfg.Gateways.PayoutURL != "" {
		payouts = gateway.NewPayoutClient(cfg.Gateways.PayoutURL, client)
	} else {
		log.Printf("WARNING: No payout service configured, using an in-memory payout desk")
		payouts = gateway.NewPayoutDesk()
	}
	return balances, payouts
}

func publishers(cfg config.Config, broadcaster *events.Broadcaster) (events.Fanout, func(), error) {
	fanout := events.Fanout{broadcaster}
	switch cfg.Events.Driver {
	case config.DriverKafka:
		kafka, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, nil)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("INFO: Publishing auction events to Kafka brokers %v", cfg.Events.KafkaBrokers)
		return append(fanout, kafka), func() {
			if err := kafka.Close(); err != nil {
				log.Printf("ERROR: Failed to close Kafka publisher: %v", err)
			}
		}, nil
	default:
		return append(fanout, events.LogPublisher{}), func() {}, nil
	}
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer st.shutdown()

	signer, err := voucher.LoadOrCreateSigner(cfg.Claims.VoucherKeyPath)
	if err != nil {
		return fmt.Errorf("failed to initialize voucher signer: %w", err)
	}
	log.Printf("INFO: Voucher signer initialized (%s)", voucher.KeyAlgorithm)

	defaultClaimCost, err := cfg.DefaultClaimCost()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broadcaster := events.NewBroadcaster(events.DefaultSubscriberBuffer)
	defer broadcaster.Close()
	publisher, closePublisher, err := publishers(cfg, broadcaster)
	if err != nil {
		return fmt.Errorf("failed to initialize event publishers: %w", err)
	}
	defer closePublisher()

	balances, payouts := gateways(cfg)
	deps := settlement.Dependencies{
		Ledger:    st.ledger,
		Claims:    st.claims,
		Balances:  balances,
		Payouts:   payouts,
		Vouchers:  signer,
		Faults:    st.faults,
		Publisher: publisher,
		Metrics:   settlement.NewMetrics(registry),
		Retry:     cfg.Retry(),
		LeaseTTL:  cfg.Claims.LeaseTTL,
	}

	finalizer := settlement.NewFinalizer(deps)
	finalizer.Start(ctx, cfg.Jobs.FinalizeInterval)
	log.Printf("INFO: Finalizer started (interval: %s)", cfg.Jobs.FinalizeInterval)

	reconciler := settlement.NewReconciler(deps, cfg.Jobs.ReconcileWorkers)
	reconciler.Start(ctx, cfg.Jobs.ReconcileInterval)
	log.Printf("INFO: Reconciler started (interval: %s, workers: %d)", cfg.Jobs.ReconcileInterval, cfg.Jobs.ReconcileWorkers)

	engine := &server.Engine{
		Ledger:              st.ledger,
		Bids:                settlement.NewBidProcessor(deps),
		Claims:              settlement.NewClaimProcessor(deps),
		Balances:            balances,
		DefaultClaimCost:    defaultClaimCost,
		VoucherKeyAlgorithm: voucher.KeyAlgorithm,
	}

	listener, err := server.Listen(cfg.Server.Network, cfg.Server.Address, cfg.Server.VsockPort)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddress,
		Handler:           server.NewAPI(engine, broadcaster, registry).Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	protocolDone := make(chan error, 1)
	go func() {
		protocolDone <- server.NewProtocolServer(engine, cfg.Server.MaxWorkers, cfg.Server.ReadTimeout).Serve(ctx, listener)
	}()
	httpDone := make(chan error, 1)
	go func() {
		log.Printf("INFO: HTTP API listening on %s", cfg.Server.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpDone <- fmt.Errorf("http server: %w", err)
			return
		}
		httpDone <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("INFO: Shutdown requested")
	case runErr = <-httpDone:
	case runErr = <-protocolDone:
		protocolDone <- runErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: HTTP shutdown: %v", err)
	}
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("ERROR: Failed to close listener: %v", err)
	}

	// In-flight engine requests finish before the stores close
	select {
	case <-protocolDone:
	case <-shutdownCtx.Done():
		log.Printf("WARNING: Engine requests still running at shutdown deadline")
	}
	return runErr
}
