package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-summary-bot/internal/adapters/mtproto"
	"tg-summary-bot/internal/adapters/repo"
	"tg-summary-bot/internal/adapters/summarizer"
	"tg-summary-bot/internal/adapters/telegram"
	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/cache"
	"tg-summary-bot/internal/infra/config"
	"tg-summary-bot/internal/infra/db"
	"tg-summary-bot/internal/infra/deepseek"
	applog "tg-summary-bot/internal/infra/log"
	"tg-summary-bot/internal/infra/metrics"
	runusecase "tg-summary-bot/internal/usecase/run"
	"tg-summary-bot/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "worker")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var peerCache domain.Cache
	if cfg.RedisAddr != "" {
		peerCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	} else {
		logger.Warn().Msg("worker: REDIS_ADDR не задан, резолв username без кэша")
	}

	if cfg.MTProto.APIID == 0 || cfg.MTProto.APIHash == "" {
		logger.Fatal().Msg("worker: не заданы TG_API_ID и TG_API_HASH")
	}
	fetcher := mtproto.NewFetcher(
		cfg.MTProto.APIID,
		cfg.MTProto.APIHash,
		mtproto.NewSessionDB(repoAdapter, cfg.MTProto.SessionName),
		peerCache,
		cfg.MTProto.FetchTimeout,
		cfg.MTProto.PeerCacheTTL,
		logger.With().Str("component", "fetcher").Logger(),
	)
	go func() {
		if err := fetcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("worker: MTProto-клиент остановился")
		}
	}()

	if cfg.DeepSeek.APIKey == "" {
		logger.Fatal().Msg("worker: не указан ключ DeepSeek (DEEPSEEK_API_KEY)")
	}
	deepseekClient := deepseek.NewClient(cfg.DeepSeek.APIKey, cfg.DeepSeek.BaseURL, cfg.DeepSeek.Timeout)
	summarizerAdapter := summarizer.NewDeepSeek(
		deepseekClient,
		cfg.DeepSeek.Model,
		cfg.DeepSeek.Timeout,
		cfg.DeepSeek.MaxAttempts,
		cfg.DeepSeek.MaxTokens,
		cfg.DeepSeek.PromptCharLimit,
	)

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("worker: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: cfg.Telegram.SendTimeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось создать бота")
	}
	sender := telegram.NewSender(botAPI, repoAdapter, logger.With().Str("component", "sender").Logger(), cfg.Telegram.SendRetries, cfg.Telegram.MessageLimit)

	runService := runusecase.NewService(
		repoAdapter,
		repoAdapter,
		fetcher,
		summarizerAdapter,
		sender,
		logger.With().Str("component", "run").Logger(),
		cfg.StaleRunAfter(),
		cfg.MTProto.FetchLimit,
	)
	scheduleService := schedule.NewService(
		repoAdapter,
		runService,
		logger.With().Str("component", "scheduler").Logger(),
		cfg.CheckInterval(),
		cfg.Scheduler.MaxConcurrentRuns,
		cfg.StaleRunAfter(),
	)

	logger.Info().Msg("worker: запуск планировщика")
	scheduleService.Run(ctx)
	logger.Info().Msg("worker: остановлен")
}
