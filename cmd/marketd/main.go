package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	httpapi "github.com/marketd/marketd/internal/api/http"
	"github.com/marketd/marketd/internal/application/dispatch"
	appGovernance "github.com/marketd/marketd/internal/application/governance"
	"github.com/marketd/marketd/internal/application/ingest"
	"github.com/marketd/marketd/internal/application/reprocess"
	"github.com/marketd/marketd/internal/config"
	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/infrastructure/metrics"
	"github.com/marketd/marketd/internal/infrastructure/notify"
	"github.com/marketd/marketd/internal/infrastructure/postgres"
	"github.com/marketd/marketd/internal/infrastructure/smsgredis"
	"github.com/marketd/marketd/internal/infrastructure/walletrpc"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	msgRepo := postgres.NewMessageRepository(pool)
	listingRepo := postgres.NewListingRepository(pool)
	marketRepo := postgres.NewMarketRepository(pool)
	bidRepo := postgres.NewBidRepository(pool)
	commentRepo := postgres.NewCommentRepository(pool)
	govRepo := postgres.NewGovernanceRepository(pool)

	// infrastructure
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	pipelineMetrics := metrics.NewPipeline(registry)

	hub := notify.NewHub()
	defer hub.Stop()

	rdb := smsgredis.MustClient(cfg.RedisURL, logger)
	defer rdb.Close()
	smsgTransport := smsgredis.NewTransport(rdb, logger)
	notifier := smsgredis.NewNotifier(rdb, cfg.SmsgStream, logger)

	walletClient := walletrpc.NewClient(cfg.WalletRPCURL, cfg.WalletRPCUser, cfg.WalletRPCPassword, logger)

	// services
	govSvc, err := appGovernance.NewService(govRepo, msgRepo, listingRepo, marketRepo, bidRepo, walletClient, smsgTransport, pipelineMetrics, appGovernance.Options{
		RecalcInterval:   cfg.ProposalRecalcInterval(),
		ThresholdPercent: cfg.RemoveThresholdPercent(),
		RemovePolicy:     cfg.RemovePolicy,
		WalletName:       cfg.WalletName,
		ProfileID:        cfg.ProfileID,
		MessageVersion:   cfg.MessageVersion,
		RetentionDays:    cfg.FreeRetentionDays,
		BroadcastAddress: cfg.BroadcastAddress,
	}, logger)
	if err != nil {
		log.Fatalf("governance error: %v", err)
	}

	dispatchRegistry := dispatch.NewRegistry()
	dispatchRegistry.Register(dispatch.NewListingHandler(listingRepo, marketRepo, govRepo, logger), action.TypeListingAdd)
	dispatchRegistry.Register(dispatch.NewBidHandler(bidRepo, listingRepo, logger), action.TypeBid)
	dispatchRegistry.Register(dispatch.NewBidDecisionHandler(bidRepo, logger),
		action.TypeBidAccept, action.TypeBidReject, action.TypeBidCancel)
	dispatchRegistry.Register(dispatch.NewEscrowHandler(bidRepo, logger),
		action.TypeEscrowLock, action.TypeEscrowRelease, action.TypeEscrowRefund, action.TypeEscrowComplete)
	dispatchRegistry.Register(dispatch.NewProposalHandler(govRepo, listingRepo, marketRepo, logger), action.TypeProposalAdd)
	dispatchRegistry.Register(dispatch.NewVoteHandler(govRepo, walletClient, govSvc, logger), action.TypeVote)
	dispatchRegistry.Register(dispatch.NewCommentHandler(commentRepo, logger), action.TypeCommentAdd)

	dispatcher := dispatch.NewDispatcher(dispatchRegistry, msgRepo, hub, pipelineMetrics, logger)

	queue := ingest.NewQueue()
	ingestSvc := ingest.NewService(smsgTransport, msgRepo, dispatcher, queue, pipelineMetrics, cfg.IngestWorkers, logger)
	reprocessSvc := reprocess.NewService(msgRepo, queue, pipelineMetrics, reprocess.Delays{
		Short:  cfg.RetryShortInterval,
		Medium: cfg.RetryMediumInterval,
		Long:   cfg.RetryLongInterval,
		Final:  cfg.RetryFinalInterval,
	}, cfg.ReprocessTick, logger)

	// pipeline
	notifications := make(chan string, 256)
	go func() {
		defer close(notifications)
		notifier.Run(ctx, notifications)
	}()
	ingestSvc.Start(ctx, notifications)
	go reprocessSvc.Run(ctx)
	go govSvc.Run(ctx)

	// API server
	apiServer := httpapi.NewServer(msgRepo, govRepo, listingRepo, hub, registry)
	httpServer := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.StatusAddr).Msg("status server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("status server failed")
		}
	}()

	// graceful shutdown: stop intake first, then drain the dispatch queue.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	cancel()
	ingestSvc.Stop()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
