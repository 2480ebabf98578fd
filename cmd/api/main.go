package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"khqr-gateway/internal/adapters/bakong"
	"khqr-gateway/internal/adapters/digestcache"
	"khqr-gateway/internal/adapters/repo"
	"khqr-gateway/internal/adapters/telegram"
	"khqr-gateway/internal/domain"
	"khqr-gateway/internal/httpapi"
	"khqr-gateway/internal/infra/config"
	"khqr-gateway/internal/infra/db"
	applog "khqr-gateway/internal/infra/log"
	"khqr-gateway/internal/infra/metrics"
	"khqr-gateway/internal/khqr"
	"khqr-gateway/internal/usecase/payments"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("api: PG_DSN is required")
	}
	if cfg.Merchant.AccountID == "" {
		logger.Fatal().Msg("api: MERCHANT_ACCOUNT_ID is required")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to connect to postgres")
	}
	defer pool.Close()
	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("api: failed to apply migrations")
	}
	store := repo.NewPostgres(pool)

	var index domain.DigestIndex
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("api: failed to connect to redis")
		}
		defer redisClient.Close()
		index = digestcache.NewRedisIndex(redisClient)
	}

	var notifier domain.Notifier = nopNotifier{}
	if cfg.Telegram.Token != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: failed to init telegram bot")
		}
		notifier = telegram.NewNotifier(bot, cfg.Telegram.ChatID, logger.With().Str("component", "notifier").Logger())
	}

	gateway := bakong.NewClient(bakong.Config{
		BaseURL:     cfg.Bakong.BaseURL,
		AccessToken: cfg.Bakong.AccessToken,
		Timeout:     cfg.Bakong.Timeout,
		ProxyURL:    cfg.Bakong.ProxyURL,
		TunnelAddr:  cfg.Bakong.TunnelAddr,
		UseTunnel:   cfg.Bakong.UseTunnel,
	}, logger.With().Str("component", "bakong").Logger())

	merchant := khqr.MerchantProfile{
		AccountID: cfg.Merchant.AccountID,
		Name:      cfg.Merchant.Name,
		City:      cfg.Merchant.City,
		Phone:     cfg.Merchant.Phone,
		Email:     cfg.Merchant.Email,
		Address:   cfg.Merchant.Address,
	}
	service := payments.NewService(
		store,
		gateway,
		notifier,
		index,
		merchant,
		khqr.Provider(cfg.Merchant.Provider),
		logger.With().Str("component", "payments").Logger(),
	)

	server := httpapi.NewServer(service,
		httpapi.WithLogger(logger.With().Str("component", "httpapi").Logger()),
		httpapi.WithAuthToken(cfg.API.Token),
		httpapi.WithTokenRenewal(gateway, cfg.Bakong.TokenEmail),
	)

	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Port).Msg("api: server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: graceful shutdown failed")
	}
}

type nopNotifier struct{}

func (nopNotifier) PaymentReceived(context.Context, domain.Transaction) error { return nil }
func (nopNotifier) CheckFailed(context.Context, string, string) error         { return nil }
