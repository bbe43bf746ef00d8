package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"tg-summary-bot/internal/adapters/bot"
	"tg-summary-bot/internal/adapters/repo"
	"tg-summary-bot/internal/infra/config"
	"tg-summary-bot/internal/infra/db"
	httpinfra "tg-summary-bot/internal/infra/http"
	applog "tg-summary-bot/internal/infra/log"
	"tg-summary-bot/internal/infra/metrics"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "bot-gateway")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("bot-gateway: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось создать бота")
	}

	h := bot.NewHandler(botAPI, logger.With().Str("component", "bot").Logger(), repoAdapter)

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("bot-gateway: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("bot-gateway: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
