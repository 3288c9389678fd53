package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/trapsight/backend/internal/api"
	"github.com/trapsight/backend/internal/brokerauth"
	"github.com/trapsight/backend/internal/classify"
	"github.com/trapsight/backend/internal/config"
	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/escalation"
	"github.com/trapsight/backend/internal/events"
	"github.com/trapsight/backend/internal/fabric"
	"github.com/trapsight/backend/internal/monitoring"
	"github.com/trapsight/backend/internal/multitenancy"
	"github.com/trapsight/backend/internal/notify"
	"github.com/trapsight/backend/internal/registry"
	"github.com/trapsight/backend/internal/session"
	"github.com/trapsight/backend/internal/websocket"
)

// lateSink lets the fabric be constructed before the session core that
// consumes its events.
type lateSink struct{ inner fabric.Sink }

func (s *lateSink) HandleDeviceEvent(ctx context.Context, ev fabric.Event) {
	if s.inner != nil {
		s.inner.HandleDeviceEvent(ctx, ev)
	}
}

func main() {
	log.Println("Starting TrapSight device fabric...")
	godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	metrics := monitoring.NewMetrics()

	// --- Storage ---
	var store database.Store
	if cfg.Database.URL != "" {
		pg, err := database.NewPostgres(cfg.Database.URL, cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		if err != nil {
			log.Fatalf("Postgres: %v", err)
		}
		store = pg
	} else {
		log.Println("DATABASE_URL not set, using in-memory store")
		store = database.NewMemory()
	}
	defer store.Close()

	// --- Event bus (optionally mirrored to Pub/Sub) ---
	bus := events.NewBus()
	var emitter events.Emitter = bus
	if cfg.PubSub.Enabled {
		pb, err := events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("Pub/Sub: %v", err)
		}
		pb.Bus = bus
		emitter = pb
		defer pb.Close()
	}

	// --- Broker authority ---
	passwd := brokerauth.NewPasswdFile(cfg.BrokerAuth.PasswdFile, cfg.BrokerAuth.ReloadCommand)
	authority := brokerauth.New(passwd, store, metrics,
		cfg.BrokerAuth.ReloadDebounce, cfg.BrokerAuth.RetryMaxElapsed, cfg.BrokerAuth.ReconcileInterval)

	// --- Message fabric ---
	sink := &lateSink{}
	fab := fabric.New(cfg.MQTT, sink, metrics)

	// --- Notifications ---
	var limiter notify.RateLimiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = notify.NewRedisLimiter(rdb)
		defer rdb.Close()
	} else {
		limiter = notify.NewLocalLimiter()
	}
	notifier := notify.New(
		notify.NewHTTPPush(cfg.Notify.PushGatewayURL, cfg.Notify.PushAPIKey),
		notify.NewHTTPSMS(cfg.Notify.SMSGatewayURL, cfg.Notify.SMSAPIKey, cfg.Notify.SMSFrom),
		notify.NewSMTPEmail(cfg.Notify.SMTPAddr, cfg.Notify.SMTPUser, cfg.Notify.SMTPPassword, cfg.Notify.EmailFrom),
		limiter, store,
		notify.Limits{SMSPerHour: cfg.Notify.SMSPerHour, EmailPerHour: cfg.Notify.EmailPerHour},
		metrics,
	)

	// --- Classification ---
	var classifier classify.Classifier
	if cfg.Classify.URL != "" {
		classifier = classify.NewHTTPClassifier(cfg.Classify.URL, cfg.Classify.Timeout)
	}

	// --- Session core ---
	core := session.New(store, fab, notifier, classifier, emitter, metrics, session.Options{
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		ClassifyLabel:    cfg.Classify.Label,
		ClassifyMin:      cfg.Classify.Threshold,
	})
	sink.inner = core

	// --- Registry & escalation ---
	reg := registry.New(store, authority, fab, emitter, metrics, cfg.MQTT.DeviceBrokerURL)
	engine := escalation.New(store, fab, notifier, emitter, metrics, escalation.Options{
		TickInterval: cfg.Escalation.TickInterval,
		BatchSize:    cfg.Escalation.BatchSize,
		Policy:       cfg.Escalation.Policy,
	})

	// --- HTTP surface ---
	tenants := multitenancy.NewTenantManager(store)
	streamer := websocket.NewStreamer(bus)
	server := api.NewServer(store, reg, core, engine, fab, tenants, streamer)

	// --- Start everything ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fab.Start(); err != nil {
		log.Fatalf("MQTT: %v", err)
	}
	go authority.Run(ctx)
	go engine.Run(ctx)
	go reg.RunPurge(ctx)
	go streamer.Run()
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil {
			log.Printf("HTTP server stopped: %v", err)
			cancel()
		}
	}()

	// --- Wait for shutdown ---
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Printf("Received %s, shutting down", s)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	server.Shutdown(shutdownCtx)
	cancel()
	core.Stop()
	fab.Shutdown(shutdownCtx)
	log.Println("Shutdown complete")
}
