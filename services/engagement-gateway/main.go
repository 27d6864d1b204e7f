package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nichenode/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logging.Setup("engagement-gateway", os.Getenv("NICHENODE_ENV"), os.Getenv("NICHENODE_LOG_LEVEL"))

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		log.Error("load config failed", "err", err)
		os.Exit(1)
	}
	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Error("open sqlite store failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	authenticator := NewAuthenticator(cfg.APIKeys, cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil, store)
	hydrateCtx, hydrateCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := authenticator.HydrateNonces(hydrateCtx, time.Now().Add(-cfg.NonceTTL)); err != nil {
		log.Warn("hydrate nonce cache failed", "err", err)
	}
	hydrateCancel()

	ledger := NewRPCLedgerClient(cfg.LedgerURL, cfg.LedgerAuthToken)
	wallet := NewStaticWalletSession(cfg.WalletAddress, cfg.WalletChainID)
	coordinator := NewCoordinator(ledger, store, wallet, cfg.ChainID, log)
	reconciler := NewReconciler(ledger, store, cfg.ReconcileTimeout, log)

	queue := NewWebhookQueue(cfg.WebhookQueueCapacity, cfg.WebhookQueueTTL)
	watcher := NewEventWatcher(ledger, store, queue, cfg.PollInterval, log)
	worker := NewWebhookWorker(queue, cfg.Webhooks, log)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watcher.Run(runCtx)
	go worker.Run(runCtx)

	server := NewServer(authenticator, coordinator, reconciler, store)
	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}
	go func() {
		log.Info("engagement gateway listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen failed", "err", err)
			os.Exit(1)
		}
	}()

	<-runCtx.Done()
	log.Info("shutting down engagement gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
}
