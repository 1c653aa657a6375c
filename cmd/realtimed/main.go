package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/pulsedesk/support-app/internal/connection"
	"github.com/pulsedesk/support-app/internal/fanout"
	"github.com/pulsedesk/support-app/internal/gateway"
	"github.com/pulsedesk/support-app/internal/messaging"
	"github.com/pulsedesk/support-app/internal/notify"
	"github.com/pulsedesk/support-app/internal/presence"
	"github.com/pulsedesk/support-app/internal/ratelimit"
	"github.com/pulsedesk/support-app/internal/receipt"
	"github.com/pulsedesk/support-app/internal/typing"
)

func main() {
	config := gateway.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	typingTTL := typing.DefaultTTL
	if v := os.Getenv("TYPING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			typingTTL = d
		}
	}

	// --- Fan-out registry ---
	registry := fanout.NewRegistry()

	// --- Connection manager (auth-gated, backoff reconnect) ---
	auth := connection.NewSignalAuth()
	connCfg := connection.DefaultConfig()

	var manager *connection.Manager

	// --- NATS transport ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewClient(natsConfig, func(err error) {
		if manager != nil {
			manager.HandleTransportError(err)
		}
	})
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	manager = connection.NewManager(connCfg, natsClient, auth, registry)

	// Credential validation happens in the session service; this process
	// treats a present service token as the auth-ready signal. Upstream
	// connections block until it fires.
	if os.Getenv("AUTH_TOKEN") != "" {
		auth.Ready()
	} else {
		log.Printf("AUTH_TOKEN not set; upstream connections will wait for auth")
	}

	// --- PostgreSQL message store ---
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/pulsedesk?sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	if err := receipt.Migrate(db, migrationsDir); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	store := receipt.NewPostgresStore(db)
	aggregator := receipt.NewAggregator(store, registry)

	// --- Redis: presence + rate limiting ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	presenceStore, err := presence.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(presenceStore.Client())

	// --- Typing indicators ---
	typingStore := typing.NewStore(typingTTL)

	log.Printf("pulsedesk realtime server starting")
	log.Printf("  listen_addr:   %s", config.ListenAddr)
	log.Printf("  read_timeout:  %s", config.ReadTimeout)
	log.Printf("  write_timeout: %s", config.WriteTimeout)
	log.Printf("  typing_ttl:    %s", typingTTL)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  redis_addr:    %s", redisAddr)

	// Wire the standing fan-out consumers. Each Attach returns an
	// unsubscribe closure released on shutdown.
	detachTyping := typingStore.Attach(registry)
	detachPresence := presenceStore.Attach(registry)
	detachRecorder := receipt.AttachRecorder(registry, store)

	dispatcher := notify.NewDispatcher(notify.LogNotifier{}, os.Getenv("LOCAL_USER_ID"))
	detachNotify := dispatcher.Attach(registry)

	server := gateway.NewServer(config, registry, manager, aggregator, typingStore, limiter, natsClient)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		detachNotify()
		detachRecorder()
		detachPresence()
		detachTyping()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
