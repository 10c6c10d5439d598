package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"accounts/backend/internal/config"
	authdomain "accounts/backend/internal/domain/auth"
	"accounts/backend/internal/httpserver"
	"accounts/backend/internal/infrastructure/mail"
	"accounts/backend/internal/infrastructure/memory"
	"accounts/backend/internal/infrastructure/password"
	"accounts/backend/internal/infrastructure/postgres"
	"accounts/backend/internal/infrastructure/ratelimit"
	"accounts/backend/internal/infrastructure/token"
	"accounts/backend/internal/logger"
	authusecase "accounts/backend/internal/usecase/auth"
	userusecase "accounts/backend/internal/usecase/user"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	log.Info("configuration loaded", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		users  authdomain.UserRepository
		probes []func(context.Context) error
	)
	switch cfg.StorageDriver {
	case config.StorageMemory:
		log.Warn("using in-memory storage, accounts are lost on restart")
		users = memory.NewUserRepository()
	default:
		db, err := postgres.New(ctx, cfg.DatabaseURL, poolConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if cfg.DBAutoMigrate {
			if err := db.Migrate(ctx, log); err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
		}
		users = postgres.NewUserRepository(db.Pool)
		probes = append(probes, db.Healthcheck)
	}

	limiter, probe, closeLimiter, err := rateLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()
	if probe != nil {
		probes = append(probes, probe)
	}

	mailer, err := mail.New(mail.Config{
		Driver:               mail.Driver(cfg.MailDriver),
		Sender:               cfg.MailSender,
		SMTPServer:           cfg.SMTPServer,
		SMTPUsername:         cfg.SMTPUsername,
		SMTPPassword:         cfg.SMTPPassword,
		PostmarkServerToken:  cfg.PostmarkServerToken,
		PostmarkAccountToken: cfg.PostmarkAccountToken,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to configure mail: %w", err)
	}

	tokenManager, err := token.NewJWTManager(cfg.SecretKey, cfg.JWTAlgorithm, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("failed to configure tokens: %w", err)
	}
	hasher := password.NewHasher(cfg.BcryptCost)

	authService := authusecase.NewService(users, tokenManager, hasher, mailer, authusecase.Settings{
		SessionTTL:         cfg.SessionTTL(),
		ConfirmationTTL:    cfg.ConfirmationTTL(),
		ResetTTL:           cfg.ResetTTL(),
		MailTimeout:        cfg.MailTimeout,
		BaseURL:            cfg.BaseURL,
		APIPrefix:          cfg.APIPrefix,
		RequireActiveLogin: cfg.RequireActiveLogin,
	}, authusecase.WithLogger(log))
	userService := userusecase.NewService(users, hasher)

	opts := []httpserver.Option{httpserver.WithLogger(log)}
	if len(probes) > 0 {
		opts = append(opts, httpserver.WithHealthcheck(allHealthy(probes)))
	}
	if limiter != nil {
		opts = append(opts, httpserver.WithRateLimiter(limiter))
	}
	server := httpserver.NewServer(cfg, authService, userService, opts...)

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr())
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("graceful shutdown completed")
	return nil
}

func poolConfig(cfg config.Config) postgres.PoolConfig {
	pc := postgres.DefaultPoolConfig()
	pc.MaxConns = cfg.DBMaxConns
	pc.RetryAttempts = cfg.DBConnectRetries
	pc.RetryInterval = cfg.DBRetryInterval
	return pc
}

// rateLimiter builds the auth route limiter for cfg. On success the close
// function is non-nil and the limiter is nil only when limiting is off.
func rateLimiter(ctx context.Context, cfg config.Config) (*ratelimit.Bucket, func(context.Context) error, func(), error) {
	bucketCfg := ratelimit.Config{
		Capacity:       cfg.RateLimitCapacity,
		RefillRate:     cfg.RateLimitRefillRate,
		RefillInterval: cfg.RateLimitRefillInterval,
	}

	switch cfg.RateLimitDriver {
	case config.RateLimitOff:
		return nil, nil, func() {}, nil
	case config.RateLimitRedis:
		client, err := ratelimit.ConnectRedis(ctx, cfg.RedisURL, cfg.DBConnectRetries, cfg.DBRetryInterval)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		bucket, err := ratelimit.NewBucket(ratelimit.NewRedisStore(client, "accounts:ratelimit:"), bucketCfg)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return bucket, ratelimit.RedisHealthcheck(client), func() { _ = client.Close() }, nil
	default:
		store := ratelimit.NewMemoryStore()
		bucket, err := ratelimit.NewBucket(store, bucketCfg)
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return bucket, nil, store.Close, nil
	}
}

func allHealthy(probes []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, probe := range probes {
			if err := probe(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
