package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/optstream/optstream/internal/api"
	"github.com/optstream/optstream/internal/config"
	"github.com/optstream/optstream/internal/jobs"
	"github.com/optstream/optstream/internal/log"
	"github.com/optstream/optstream/internal/metrics"
	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/provider/gateway"
	"github.com/optstream/optstream/internal/provider/sim"
	"github.com/optstream/optstream/internal/publish"
	"github.com/optstream/optstream/internal/session"
	"github.com/optstream/optstream/internal/store"
	"github.com/optstream/optstream/internal/window"
	"github.com/optstream/optstream/internal/ws"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting option quote streamer",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"provider", cfg.Provider.Kind,
	)

	metricsObj, metricsHandler, err := metrics.Setup("optstream")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Redis cache, falling back to memory when Redis is unreachable
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Publish queue and its sinks
	sinks := []publish.Sink{store.NewEventSink(cache)}
	var kafkaSink *publish.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink = publish.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, kafkaSink)
		logger.Infow("Kafka sink enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	queue := publish.NewQueue(logger, metricsObj, publish.DefaultQueueConfig(), sinks...)
	queueCtx, queueCancel := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := queue.Run(queueCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("Publish queue stopped", "error", err)
		}
	}()

	// The feed outlives ctx so subscriptions can be released on shutdown.
	feed := newFeed(cfg, logger)
	if err := feed.Start(context.Background()); err != nil {
		logger.Fatalw("Failed to start provider", "provider", feed.Name(), "error", err)
	}

	// Replay must not serve a previous run's state.
	if n, err := cache.ClearLatest(ctx); err != nil {
		logger.Warnw("Failed to clear cached state", "error", err)
	} else if n > 0 {
		logger.Infow("Cleared cached state from a previous run", "events", n)
	}

	pipeline := jobs.NewPipeline(feed, sessionSources(cfg, feed), queue, logger, metricsObj, pipelineConfig(cfg))
	if err := pipeline.Bootstrap(ctx); err != nil {
		logger.Fatalw("Failed to bootstrap pipeline", "error", err)
	}

	// WebSocket hub and SSE handler
	wsHub := ws.NewHub(cache, cfg.Security.CORSAllowedOrigins, logger, metricsObj)
	sseHandler := ws.NewSSEHandler(cache, logger)
	go wsHub.Run(ctx)

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- pipeline.Run(ctx)
	}()

	handler := api.NewHandler(pipeline, feed, wsHub, sseHandler, cache, logger, metricsObj)
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM, metricsHandler)
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// No write timeout: websocket and SSE responses stay open.
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("HTTP server failed", "error", err)
		}
	case err := <-pipelineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("Pipeline stopped", "error", err)
		}
	case <-ctx.Done():
		logger.Infow("Shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("Graceful shutdown failed", "error", err)
		server.Close()
	}
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Releasing subscriptions failed", "error", err)
	}
	if err := feed.Close(); err != nil {
		logger.Warnw("Closing provider failed", "error", err)
	}

	queueCancel()
	<-queueDone
	if err := queue.Drain(shutdownCtx); err != nil {
		logger.Warnw("Draining publish queue failed", "error", err)
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Warnw("Closing Kafka writer failed", "error", err)
		}
	}

	logger.Infow("Server stopped")
}

func newFeed(cfg *config.Config, logger *zap.SugaredLogger) provider.Feed {
	if cfg.Provider.Kind == "sim" {
		simCfg := sim.DefaultConfig()
		simCfg.BasePrice = cfg.Sim.BasePrice
		simCfg.Volatility = cfg.Sim.Volatility
		simCfg.FutureCode = cfg.Provider.FutureCode
		simCfg.MiniFutureCode = cfg.Provider.MiniFutureCode
		simCfg.IndexCode = cfg.Provider.IndexCode
		simCfg.Seed = time.Now().UnixNano()
		return sim.NewFeed(simCfg, logger)
	}
	return gateway.NewClient(gateway.DefaultConfig(cfg.Provider.GatewayURL), logger)
}

// sessionSources prefers configured locations and falls back to the provider.
func sessionSources(cfg *config.Config, feed provider.Feed) []session.Source {
	if cfg.HasSessionSources() {
		var sources []session.Source
		if cfg.Session.Day != "" {
			sources = append(sources, session.NewSource("day", cfg.Session.Day))
		}
		if cfg.Session.Night != "" {
			sources = append(sources, session.NewSource("night", cfg.Session.Night))
		}
		return sources
	}
	if sf, ok := feed.(provider.SessionFeed); ok {
		return sf.Sessions()
	}
	return nil
}

func pipelineConfig(cfg *config.Config) jobs.PipelineConfig {
	pc := jobs.DefaultPipelineConfig()
	pc.FutureCode = cfg.Provider.FutureCode
	pc.MiniFutureCode = cfg.Provider.MiniFutureCode
	pc.IndexCode = cfg.Provider.IndexCode
	pc.KBarDays = cfg.Provider.KBarDays
	pc.Window = window.Config{
		CallCount:        cfg.Window.CallCount,
		PutCount:         cfg.Window.PutCount,
		UnsubscribeAfter: cfg.Window.UnsubscribeAfter,
	}
	pc.PollInterval = cfg.Poll.Interval
	pc.BatchSize = cfg.Poll.BatchSize
	pc.BatchPause = cfg.Poll.BatchPause
	pc.CoreTimeout = cfg.Poll.CoreTimeout
	pc.BatchTimeout = cfg.Poll.BatchTimeout
	return pc
}
