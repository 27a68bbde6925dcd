package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greencloud/authserver/internal/config"
	"github.com/greencloud/authserver/internal/db"
	"github.com/greencloud/authserver/internal/events"
	"github.com/greencloud/authserver/internal/hash"
	"github.com/greencloud/authserver/internal/httpserver"
	"github.com/greencloud/authserver/internal/logging"
	"github.com/greencloud/authserver/internal/repo"
	"github.com/greencloud/authserver/internal/service"
	"github.com/greencloud/authserver/internal/tokens"
	"github.com/greencloud/authserver/internal/tokenstore"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		slog.Error("config_error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("service", cfg.ServiceName)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gdb, err := db.Open(initCtx, db.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN(), Migrate: cfg.Database.Migrate})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			logger.Warn("db_close_error", "error", err)
		}
	}()

	kv, err := tokenstore.DialRedis(initCtx, tokenstore.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn("redis_close_error", "error", err)
		}
	}()

	secret, err := cfg.JWT.SigningKey()
	if err != nil {
		return err
	}
	issuer, err := tokens.NewIssuer(tokens.Config{
		Secret:     secret,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
		Issuer:     cfg.JWT.Issuer,
	})
	if err != nil {
		return err
	}

	publisher, closeEvents := buildPublisher(initCtx, cfg, logger)
	defer closeEvents()

	store := tokenstore.New(kv)
	svc := &service.AuthService{
		Users:  &repo.GormRepo{DB: gdb},
		Hasher: hash.Bcrypt{},
		Tokens: issuer,
		Store:  store,
		Events: publisher,
	}

	v := httpserver.NewValidator()
	e := httpserver.New(logger, cfg.CORS, v)
	httpserver.Register(e, &httpserver.Deps{
		AuthHandler: &httpserver.AuthHTTP{Svc: svc, Validator: v},
		Auth:        svc,
		ReadyChecks: map[string]httpserver.ReadyCheck{
			"database": func(ctx context.Context) error { return db.Ping(ctx, gdb) },
			"redis":    store.Ping,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           e,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting_down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_error", "error", err)
	}
	logger.Info("shutdown_complete")
	return nil
}

// buildPublisher wires whichever event sinks are configured. A sink that cannot
// be reached at startup is skipped so auth keeps working without it.
func buildPublisher(ctx context.Context, cfg config.Config, logger *slog.Logger) (events.Publisher, func()) {
	var (
		sinks   events.Fanout
		closers []func() error
	)

	if len(cfg.Kafka.Brokers) > 0 {
		p := events.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, p)
		closers = append(closers, p.Close)
		logger.Info("events_kafka_enabled", "topic", cfg.Kafka.Topic)
	}

	if cfg.Elastic.URL != "" {
		client, err := events.NewESClient(ctx, events.ESOptions{
			URL:      cfg.Elastic.URL,
			Username: cfg.Elastic.User,
			Password: cfg.Elastic.Password,
		})
		if err != nil {
			logger.Warn("events_audit_disabled", "error", err)
		} else {
			sinks = append(sinks, events.NewAuditIndexer(client, cfg.Elastic.Index))
			logger.Info("events_audit_enabled", "index", cfg.Elastic.Index)
		}
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("events_close_error", "error", err)
			}
		}
	}
	if len(sinks) == 0 {
		return events.Nop{}, closeAll
	}
	return sinks, closeAll
}
