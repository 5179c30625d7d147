/*
Package main is the entry point for the roomcast server.

It loads configuration, initializes the global logger, connects the optional
backends (Postgres archive, NATS and Redis mirrors, S3 attachments), and runs
the broker janitor, typing sweeper and HTTP server under one errgroup until
SIGINT or SIGTERM.

	roomcast                              run the server
	roomcast token -user U1 [-ttl 24h]    print an identity token signed with JWT_SECRET
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"roomcast/internal/app/broker"
	"roomcast/internal/app/chat"
	"roomcast/internal/app/mirror"
	"roomcast/internal/app/storage"
	"roomcast/internal/app/store"
	"roomcast/internal/configs"
	"roomcast/internal/handler"
	"roomcast/internal/pkg/auth/jwt"
	"roomcast/internal/pkg/logx"
)

func main() {
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(2)
		}
		return
	}

	logx.InitGlobalLogger(cfg.IsDevelopment(), cfg.LogLevel)
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Int("retention_events", cfg.RetentionEvents).
		Dur("retention_age", cfg.RetentionAge).
		Int("subscriber_queue", cfg.SubscriberQueue).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logx.Fatal(err, "Server stopped with error")
	}

	logx.Info("Server gracefully stopped.")
}

func run(ctx context.Context, cfg *configs.AppConfig) error {
	var (
		auth       broker.Authorizer
		brokerOpts []broker.Option
	)
	chatCfg := chat.Config{TypingWindow: cfg.TypingWindow}
	deps := &handler.AppDeps{Config: cfg}

	if cfg.DatabaseDSN != "" {
		pool, err := store.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()

		st := store.New(pool)
		auth = st
		brokerOpts = append(brokerOpts, broker.WithObserver(st), broker.WithSequenceSeeder(st))
		deps.Archive = st
		deps.Members = st
		logx.Info("Event archive and membership store enabled.")
	} else {
		logx.Warn("DATABASE_URL not set: every user may join every room and no history is archived.")
	}

	if cfg.NATSURL != "" {
		em, err := mirror.NewEventMirror(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer em.Close()

		brokerOpts = append(brokerOpts, broker.WithObserver(em))
		logx.Info("Event mirror enabled.", "subject_prefix", mirror.SubjectPrefix)
	}

	if cfg.RedisURL != "" {
		pm, err := mirror.NewPresenceMirror(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = pm.Close() }()

		chatCfg.PresenceStore = pm
		deps.Presence = pm
		logx.Info("Presence mirror enabled.", "key", mirror.PresenceKey)
	}

	if cfg.StorageEnabled() {
		svc, err := storage.NewStorageService(ctx, storage.ServiceConfig{
			S3BucketName:      cfg.S3BucketName,
			S3Endpoint:        cfg.S3Endpoint,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		deps.Storage = svc
	}

	b := broker.New(broker.Config{
		RetentionEvents: cfg.RetentionEvents,
		RetentionAge:    cfg.RetentionAge,
		QueueSize:       cfg.SubscriberQueue,
		RoomIdleTimeout: cfg.RoomIdleTimeout,
	}, auth, brokerOpts...)

	deps.Service = chat.NewService(b, chatCfg)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler.Router(ctx, deps),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return deps.Service.Run(gctx) })

	g.Go(func() error {
		logx.Info(fmt.Sprintf("roomcast starting on http://localhost%s", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logx.Info("Received shutdown signal. Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// issueToken prints a signed identity token. Identity issuance belongs to an
// external service in production; this covers local development and smoke tests.
func issueToken(cfg *configs.AppConfig, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "user id carried by the token")
	nickname := fs.String("nickname", "", "display name carried by the token")
	ttl := fs.Duration("ttl", jwt.IdentityExpiration, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}

	token, err := jwt.GenerateToken(&jwt.Payload{ID: *userID, Nickname: *nickname}, cfg.JWTSecret, *ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
