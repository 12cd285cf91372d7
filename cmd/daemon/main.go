// Command daemon is the campaign concurrency core's composition root: it
// wires the coordination store, lease manager, ledger, waitlist, circuit
// breaker, bus, broker, cold-start guard, Promoter, Dispatch Workers,
// Release Reconciler, Lease Janitor and webhook receiver into one running
// process per configured campaign set.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxcampaign/dispatcher/internal/audit"
	"github.com/voxcampaign/dispatcher/internal/campaign/breaker"
	"github.com/voxcampaign/dispatcher/internal/campaign/broker"
	"github.com/voxcampaign/dispatcher/internal/campaign/bus"
	"github.com/voxcampaign/dispatcher/internal/campaign/callstore"
	"github.com/voxcampaign/dispatcher/internal/campaign/coldstart"
	"github.com/voxcampaign/dispatcher/internal/campaign/janitor"
	"github.com/voxcampaign/dispatcher/internal/campaign/ledger"
	"github.com/voxcampaign/dispatcher/internal/campaign/lease"
	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/campaign/promoter"
	"github.com/voxcampaign/dispatcher/internal/campaign/reconciler"
	"github.com/voxcampaign/dispatcher/internal/campaign/retrypolicy"
	"github.com/voxcampaign/dispatcher/internal/campaign/telephony"
	"github.com/voxcampaign/dispatcher/internal/campaign/waitlist"
	"github.com/voxcampaign/dispatcher/internal/campaign/webhook"
	"github.com/voxcampaign/dispatcher/internal/campaign/worker"
	"github.com/voxcampaign/dispatcher/internal/config"
	"github.com/voxcampaign/dispatcher/internal/health"
	"github.com/voxcampaign/dispatcher/internal/log"
	"github.com/voxcampaign/dispatcher/internal/store"
)

const workersPerCampaign = 4

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, defaults applied if absent)")
	providerBaseURL := flag.String("telephony-base-url", "", "telephony provider REST base URL")
	providerAPIKey := flag.String("telephony-api-key", "", "telephony provider API key")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "dispatcher"})
	logger := log.L()
	auditLogger := audit.NewLogger()

	if err := health.PerformStartupChecks(context.Background(), cfg); err != nil {
		logger.Fatal().Err(err).Msg("startup checks failed")
	}

	rdb, err := store.New(store.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect coordination store")
	}
	defer rdb.Close()

	calls, err := callstore.Open(cfg.Storage.CallStorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open call store")
	}

	leaseMgr := lease.New(rdb, lease.Config{
		PreDialTTL:    cfg.Lease.PreDialTTL,
		PreDialTTLMax: cfg.Lease.PreDialTTLMax,
		ActiveTTL:     cfg.Lease.ActiveTTL,
	})
	ledgerStore := ledger.New(rdb)
	waitlistStore := waitlist.New(rdb)
	breakerStore := breaker.New(rdb, breaker.Config{
		Window:           cfg.Breaker.Window,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MinAttempts:      cfg.Breaker.MinAttempts,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	})
	slotBus := bus.NewRedisBus(rdb, *logger)
	dispatchBroker := broker.NewRedisBroker(rdb.Raw())
	coldGuard := coldstart.New(rdb, calls, cfg.Lease.PreDialTTL, cfg.Lease.ActiveTTL, cfg.Lease.ColdStartGrace, *logger)

	campaigns := make(map[string]model.Campaign, len(cfg.Campaigns))
	for _, c := range cfg.Campaigns {
		campaigns[c.ID] = model.Campaign{
			ID:               c.ID,
			Name:             c.Name,
			AgentRef:         c.AgentRef,
			PhoneRef:         c.PhoneRef,
			State:            model.CampaignActive,
			ConcurrentLimit:  c.ConcurrentLimit,
			RetryFailed:      c.RetryFailed,
			MaxRetryAttempts: c.MaxRetryAttempts,
			RetryDelay:       c.RetryDelay,
			ExcludeVoicemail: c.ExcludeVoicemail,
		}
	}
	campaignIDs := func() []string {
		ids := make([]string, 0, len(campaigns))
		for id := range campaigns {
			ids = append(ids, id)
		}
		return ids
	}

	promoterCfg := promoter.Config{
		PollInterval:   cfg.Promotion.PollInterval,
		MaxBatch:       cfg.Promotion.MaxBatch,
		FairnessHigh:   cfg.Promotion.FairnessHigh,
		FairnessNormal: cfg.Promotion.FairnessNormal,
	}
	if cfg.Promotion.PriorityMode == "strict" {
		promoterCfg.FairnessNormal = 0
	}
	prom := promoter.New(rdb, waitlistStore, breakerStore, dispatchBroker, coldGuard, slotBus, promoterCfg, *logger)

	provider := telephony.Provider(telephony.NewHTTPProvider(*providerBaseURL, *providerAPIKey, 10*time.Second, cfg.Telephony.RatePerSecond, cfg.Telephony.Burst))

	onTerminal := func(ctx context.Context, rec model.CallRecord, failure model.FailureKind) {
		camp, ok := campaigns[rec.CampaignID]
		if !ok {
			return
		}
		attempt := rec.RetryCount + 1
		decision := retrypolicy.Evaluate(camp, failure, attempt)
		if !decision.Retry {
			return
		}
		time.AfterFunc(decision.Delay, func() {
			item := model.WaitlistItem{
				JobID: rec.CallID + "-retry",
				Job: model.JobDescriptor{
					CampaignID: rec.CampaignID,
					CallID:     rec.CallID + "-retry",
					ContactRef: rec.ContactRef,
					AgentRef:   camp.AgentRef,
					PhoneRef:   camp.PhoneRef,
					RetryCount: attempt,
					Priority:   model.PriorityNormal,
				},
				Priority: model.PriorityNormal,
			}
			if _, err := prom.Enqueue(ctx, item); err != nil {
				logger.Warn().Err(err).Str("campaign_id", rec.CampaignID).Msg("daemon: retry re-enqueue failed")
			}
		})
	}

	recon := reconciler.New(leaseMgr, calls, breakerStore, slotBus, onTerminal, *logger)
	janitorSvc := janitor.New(rdb, ledgerStore, dispatchBroker, coldGuard, janitor.Config{
		Interval:           cfg.Janitor.Interval,
		OrphanLedgerAfter:  cfg.Janitor.OrphanLedgerAfter,
		StaleInFlightAfter: cfg.Janitor.StaleInFlightAfter,
	}, campaignIDs, *logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// errgroup fans out one Promoter plus workersPerCampaign Dispatch Workers
	// per configured campaign, and the shared Janitor and webhook server
	// alongside them; every goroutine below runs until ctx is canceled and
	// returns nil, so g.Wait() is used purely as a bounded join, not for
	// error-triggered cancellation.
	g, gctx := errgroup.WithContext(ctx)
	for id, camp := range campaigns {
		campaignID, limit := id, camp.ConcurrentLimit
		g.Go(func() error {
			prom.Run(gctx, campaignID)
			return nil
		})

		for i := 0; i < workersPerCampaign; i++ {
			g.Go(func() error {
				w := worker.New(dispatchBroker, leaseMgr, ledgerStore, breakerStore, calls, provider, coldGuard, worker.Config{DefaultLimit: limit}, *logger)
				w.Run(gctx, campaignID)
				return nil
			})
		}

		if _, err := coldGuard.Reconcile(ctx, id); err != nil {
			logger.Warn().Err(err).Str("campaign_id", id).Msg("daemon: cold-start reconcile failed")
		}
	}

	g.Go(func() error {
		janitorSvc.Run(gctx)
		return nil
	})

	webhookHandler := webhook.NewHandler(recon, webhook.Config{
		RequestsPerMinute: cfg.Webhook.RequestsPerMinute,
		StreamGrace:       cfg.Webhook.StreamGrace,
	}, *logger)

	healthMgr := health.NewManager("dev")
	healthMgr.RegisterChecker(health.NewRedisChecker(func(ctx context.Context) error {
		return rdb.HealthCheck(ctx)
	}))
	healthMgr.RegisterChecker(health.NewCallStoreChecker(func(ctx context.Context) error {
		_, err := calls.ActiveForCampaign(ctx, "")
		return err
	}))

	mux := http.NewServeMux()
	mux.Handle("/webhook/", http.StripPrefix("/webhook", webhookHandler.Routes()))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthMgr.ServeHealth)
	mux.HandleFunc("/readyz", healthMgr.ServeReady)

	srv := &http.Server{
		Addr:              cfg.Webhook.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Webhook.Addr).Msg("webhook server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("webhook server exited")
		}
		return nil
	})

	auditLogger.ConfigReload("system", "success", map[string]string{"campaigns": campaignIDsJoined(campaignIDs())})

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	_ = g.Wait()
}

func campaignIDsJoined(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
