package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/largeweb/skapp/internal/agent"
	"github.com/largeweb/skapp/internal/config"
	"github.com/largeweb/skapp/internal/dispatch"
	"github.com/largeweb/skapp/internal/engine"
	"github.com/largeweb/skapp/internal/heartbeat"
	"github.com/largeweb/skapp/internal/httpapi"
	"github.com/largeweb/skapp/internal/kv"
	"github.com/largeweb/skapp/internal/model"
	"github.com/largeweb/skapp/internal/stats"
	"github.com/largeweb/skapp/internal/subscribers"
	"github.com/largeweb/skapp/internal/subscribers/logging"
	"github.com/largeweb/skapp/internal/subscribers/stream"
	"github.com/largeweb/skapp/internal/subscribers/webhook"
	"github.com/largeweb/skapp/internal/toolcall"
	"github.com/largeweb/skapp/internal/tools"
)

func main() {
	logger := log.New(os.Stdout, "skapp ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	kvStore, err := kv.Open(cfg.KVDriver, cfg.KVDSN)
	if err != nil {
		logger.Fatalf("failed to initialize kv store: %v", err)
	}
	defer func() {
		if err := kvStore.Close(); err != nil {
			logger.Printf("kv store close error: %v", err)
		}
	}()

	hub := stream.NewHub(logger)
	defer hub.Close()
	subs := []subscribers.Subscriber{logging.New(logger), hub}
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger))
	}
	dispatcher := dispatch.New(logger, subs)

	agentStore := agent.NewStore(kvStore, logger, agent.WithPurgeExpiredNotes(cfg.PurgeExpiredNotes))

	registry := tools.NewDefaultRegistry(nil, tools.WithDefaultNoteExpirationDays(cfg.NoteExpirationDays))
	executor := tools.NewExecutor(registry, agentStore, logger, tools.WithDeadline(cfg.ToolDeadline))

	modelRegistry := model.NewRegistry()
	if cfg.APIKey != "" {
		var providerOpts []model.OpenAIOption
		if cfg.ModelEndpoint != "" {
			providerOpts = append(providerOpts, model.WithOpenAIEndpoint(cfg.ModelEndpoint))
		}
		modelRegistry.Register(cfg.Provider, model.NewOpenAIProvider(cfg.APIKey, providerOpts...))
	} else {
		logger.Printf("no api key configured, turn cycles will fail until SKAPP_API_KEY is set")
	}

	service := engine.NewService(logger, agentStore, toolcall.NewParser(logger), executor, modelRegistry, dispatcher,
		cfg.Provider, cfg.Model,
		engine.WithQueueSize(cfg.TurnQueueSize),
		engine.WithEffort(model.ReasoningEffort(cfg.ReasoningEffort)),
	)

	loc, err := time.LoadLocation(cfg.StatsTimezone)
	if err != nil {
		logger.Fatalf("invalid stats timezone: %v", err)
	}
	reducer := stats.NewReducer(kvStore, logger, stats.WithLocation(loc))

	beat := heartbeat.New(agentStore, service, dispatcher, logger, heartbeat.WithInterval(cfg.HeartbeatInterval))
	if err := beat.Start(context.Background()); err != nil {
		logger.Fatalf("failed to start heartbeat: %v", err)
	}
	defer beat.Stop()

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, agentStore, executor, service, reducer, hub, dispatcher)

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
