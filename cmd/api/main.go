package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/adapters/mtproto"
	"tg-summary-bot/internal/adapters/repo"
	"tg-summary-bot/internal/adapters/summarizer"
	"tg-summary-bot/internal/adapters/telegram"
	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/cache"
	"tg-summary-bot/internal/infra/config"
	"tg-summary-bot/internal/infra/db"
	"tg-summary-bot/internal/infra/deepseek"
	httpinfra "tg-summary-bot/internal/infra/http"
	applog "tg-summary-bot/internal/infra/log"
	"tg-summary-bot/internal/infra/metrics"
	runusecase "tg-summary-bot/internal/usecase/run"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var peerCache domain.Cache
	if cfg.RedisAddr != "" {
		peerCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	if cfg.MTProto.APIID == 0 || cfg.MTProto.APIHash == "" {
		logger.Fatal().Msg("api: не заданы TG_API_ID и TG_API_HASH")
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
			logger.Fatal().Err(err).Msg("api: MTProto-клиент остановился")
		}
	}()

	if cfg.DeepSeek.APIKey == "" {
		logger.Fatal().Msg("api: не указан ключ DeepSeek (DEEPSEEK_API_KEY)")
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
		logger.Fatal().Msg("api: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: cfg.Telegram.SendTimeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать бота")
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

	api := &apiServer{
		log:       logger,
		templates: repoAdapter,
		runs:      repoAdapter,
		runner:    runService,
	}

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	srv.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.WebAppAuthMiddleware(cfg.Telegram.Token, cfg.InitDataTTL()))
		protected.Post("/api/v1/templates/{id}/run", api.triggerRun)
		protected.Get("/api/v1/templates/{id}/run", api.runStatus)
	})

	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type apiServer struct {
	log       zerolog.Logger
	templates domain.TemplateRepo
	runs      domain.RunLogRepo
	runner    *runusecase.Service
}

type triggerRunRequest struct {
	HoursBack int `json:"hours_back"`
}

type runLogView struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	MessagesCount int        `json:"messages_count"`
	TotalTokens   int        `json:"total_tokens"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ownTemplate загружает шаблон и проверяет, что им владеет пользователь запроса.
// Чужой шаблон неотличим от несуществующего.
func (s *apiServer) ownTemplate(w http.ResponseWriter, r *http.Request) (domain.Template, bool) {
	user, ok := httpinfra.UserFrom(r.Context())
	if !ok {
		httpinfra.WriteError(w, http.StatusUnauthorized, errors.New("нет пользователя в запросе"))
		return domain.Template{}, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id шаблона"))
		return domain.Template{}, false
	}
	tpl, err := s.templates.GetTemplate(id)
	if errors.Is(err, domain.ErrTemplateNotFound) {
		httpinfra.WriteError(w, http.StatusNotFound, errors.New("шаблон не найден"))
		return domain.Template{}, false
	}
	if err != nil {
		s.log.Error().Err(err).Int64("template", id).Msg("api: не удалось загрузить шаблон")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("внутренняя ошибка"))
		return domain.Template{}, false
	}
	if tpl.UserID != user.ID {
		httpinfra.WriteError(w, http.StatusNotFound, errors.New("шаблон не найден"))
		return domain.Template{}, false
	}
	return tpl, true
}

func (s *apiServer) triggerRun(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.ownTemplate(w, r)
	if !ok {
		return
	}

	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("тело запроса не разбирается"))
		return
	}
	if req.HoursBack < 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("hours_back не может быть отрицательным"))
		return
	}

	runID, err := s.runner.Launch(r.Context(), tpl.ID, req.HoursBack)
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		resp := map[string]any{"error": "already_running", "in_progress": true}
		if last, lerr := s.runs.LatestRunLog(tpl.ID); lerr == nil && last.Status == domain.RunStatusRunning {
			resp["run_id"] = last.ID
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, domain.ErrTemplateNotFound):
		httpinfra.WriteError(w, http.StatusNotFound, errors.New("шаблон не найден"))
	case err != nil:
		s.log.Error().Err(err).Int64("template", tpl.ID).Msg("api: запуск не состоялся")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось запустить шаблон"))
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (s *apiServer) runStatus(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.ownTemplate(w, r)
	if !ok {
		return
	}

	last, err := s.runs.LatestRunLog(tpl.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("template", tpl.ID).Msg("api: не удалось прочитать журнал запусков")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("внутренняя ошибка"))
		return
	}

	resp := map[string]any{"in_progress": tpl.InProgress, "last_run": nil}
	if last.ID != "" {
		resp["last_run"] = runLogView{
			ID:            last.ID,
			Status:        string(last.Status),
			MessagesCount: last.MessagesCount,
			TotalTokens:   last.TotalTokens,
			Error:         last.Error,
			StartedAt:     last.StartedAt,
			FinishedAt:    last.FinishedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
