package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"call-insights-go/internal/calldetails"
	"call-insights-go/internal/config"
	"call-insights-go/internal/controller"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/observe"
	"call-insights-go/internal/poller"
	"call-insights-go/internal/query"
	"call-insights-go/internal/server"
	"call-insights-go/internal/voice"
)

func main() {
	// Load first: .env may set ENVIRONMENT and LOG_LEVEL for the logger.
	cfg, err := config.Load()
	log := logger.New()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.Info("starting service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider()
	if err != nil {
		log.WithError(err).Fatal("failed to init metrics provider")
	}
	metrics, err := observe.NewMetrics(provider.MeterProvider)
	if err != nil {
		log.WithError(err).Fatal("failed to create metrics")
	}

	details := calldetails.New(cfg.CallDetailsURL, cfg.HTTPTimeout)
	p := poller.New(details,
		poller.WithInterval(cfg.PollInterval),
		poller.WithMaxAttempts(cfg.PollMaxAttempts),
		poller.WithMetrics(metrics),
	)
	vapi := voice.NewVapiClient(voice.VapiConfig{
		BaseURL:     cfg.VapiAPIURL,
		PrivateKey:  cfg.VapiPrivateKey,
		AssistantID: cfg.VapiAssistantID,
		Timeout:     cfg.HTTPTimeout,
	})
	if cfg.VapiPrivateKey == "" || cfg.VapiAssistantID == "" {
		log.Warn("VAPI_PRIVATE_KEY or VAPI_ASSISTANT_ID not set, calls cannot be started")
	}
	calls := controller.New(vapi, p, controller.WithMetrics(metrics))

	var queries *query.Controller
	qc, err := query.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	switch {
	case errors.Is(err, query.ErrNotConfigured):
		log.Warn("GEMINI_API_KEY not set, /api/query disabled")
	case err != nil:
		log.WithError(err).Fatal("failed to create query client")
	default:
		queries = query.NewController(qc, metrics)
	}

	srv := server.New(cfg, server.Deps{
		Calls:   calls,
		Queries: queries,
		Metrics: provider.Handler(),
		Log:     log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		calls.Close()
		if perr := provider.Shutdown(shutdownCtx); perr != nil {
			log.WithError(perr).Warn("metrics provider shutdown failed")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server terminated")
	}
	log.Info("service stopped")
}
