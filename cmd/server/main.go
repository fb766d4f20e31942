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

	"billingledger/internal/config"
	"billingledger/internal/gateway"
	"billingledger/internal/handler"
	"billingledger/internal/infrastructure/cache"
	"billingledger/internal/infrastructure/database"
	"billingledger/internal/infrastructure/lock"
	"billingledger/internal/infrastructure/mq"
	"billingledger/internal/job"
	"billingledger/internal/notify"
	"billingledger/internal/service"
	"billingledger/pkg/idgen"
	"billingledger/pkg/logger"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	workerID := flag.Int64("worker-id", 1, "snowflake worker id")
	flag.Parse()

	if err := run(*configPath, *workerID); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(configPath string, workerID int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

	if err := idgen.Init(workerID); err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	redisClient, err := cache.NewRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	var locker service.UserLocker
	if redisClient != nil {
		defer redisClient.Close()
		locker = lock.NewUserLocker(redisClient, cfg.Redis.LockTTL)
	}

	var publisher mq.Publisher = mq.LogPublisher{}
	if cfg.Kafka.Enabled {
		kp, err := mq.NewKafkaPublisher(&cfg.Kafka)
		if err != nil {
			return err
		}
		publisher = kp
	}
	defer publisher.Close()

	var notifier service.Notifier = notify.Nop{}
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken)
		if err != nil {
			// top-ups still work without the bot
			log.Warn().Err(err).Msg("telegram notifier disabled")
		} else {
			notifier = tg
		}
	}

	gw := gateway.NewClient(gateway.Options{
		BaseURL:   cfg.YooKassa.APIURL,
		ShopID:    cfg.YooKassa.ShopID,
		SecretKey: cfg.YooKassa.SecretKey,
		ReturnURL: cfg.YooKassa.ReturnURL,
		Currency:  cfg.YooKassa.Currency,
		Timeout:   cfg.YooKassa.Timeout,
		Retry: gateway.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
	})

	ledger := service.NewLedgerService(db, cfg, locker)
	discounts := service.NewDiscountService(db)
	payments := service.NewPaymentService(db, cfg, ledger, discounts, gw, notifier)
	account := service.NewAccountService(db)

	router, err := handler.SetupRouter(handler.NewHandler(ledger, discounts, payments, account), cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(db, publisher, cfg.Business.MaxRetryCount)
	go outboxSender.Start(ctx)

	poller := job.NewPaymentPoller(payments, job.PollerOptions{
		Interval: cfg.Business.PaymentPollInterval,
		MinAge:   cfg.Business.PaymentPollMinAge,
		MaxAge:   cfg.Business.PaymentPollMaxAge,
		RPS:      cfg.Business.PaymentPollRPS,
	})
	go poller.Start(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	cancel()
	outboxSender.Stop()
	poller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	log.Info().Msg("server stopped")
	return nil
}
