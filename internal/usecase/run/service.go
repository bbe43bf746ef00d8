package run

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// Service выполняет один запуск шаблона: сбор сообщений по источникам,
// суммаризацию и доставку дайджеста. Взаимное исключение обеспечивает
// CAS-захват флага in_progress в хранилище, поэтому планировщик и ручной
// запуск могут жить в разных процессах.
type Service struct {
	templates  domain.TemplateRepo
	runs       domain.RunLogRepo
	fetcher    domain.MessageFetcher
	summarizer domain.Summarizer
	sender     domain.DigestSender
	log        zerolog.Logger

	staleAfter time.Duration
	fetchLimit int
}

// NewService создаёт сервис запусков.
func NewService(templates domain.TemplateRepo, runs domain.RunLogRepo, fetcher domain.MessageFetcher, summarizer domain.Summarizer, sender domain.DigestSender, log zerolog.Logger, staleAfter time.Duration, fetchLimit int) *Service {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if fetchLimit <= 0 {
		fetchLimit = 200
	}
	return &Service{
		templates:  templates,
		runs:       runs,
		fetcher:    fetcher,
		summarizer: summarizer,
		sender:     sender,
		log:        log,
		staleAfter: staleAfter,
		fetchLimit: fetchLimit,
	}
}

type runState struct {
	template domain.Template
	runID    string
	started  time.Time
	cutoff   time.Time
}

// Execute выполняет запуск синхронно. Ошибка означает, что запуск не
// состоялся: шаблон не найден, уже выполняется или отказало хранилище.
// Итог состоявшегося запуска, включая неуспешный, приходит в RunResult.
func (s *Service) Execute(ctx context.Context, templateID int64, hoursBack int) (domain.RunResult, error) {
	st, err := s.begin(templateID, hoursBack)
	if err != nil {
		return domain.RunResult{}, err
	}
	return s.execute(ctx, st), nil
}

// Launch захватывает шаблон и продолжает выполнение в фоне.
// Возвращает id запуска для опроса журнала.
func (s *Service) Launch(_ context.Context, templateID int64, hoursBack int) (string, error) {
	st, err := s.begin(templateID, hoursBack)
	if err != nil {
		return "", err
	}
	go func() {
		res := s.execute(context.Background(), st)
		s.logResult(res)
	}()
	return st.runID, nil
}

// begin захватывает флаг выполнения и открывает запись журнала.
func (s *Service) begin(templateID int64, hoursBack int) (runState, error) {
	tpl, err := s.templates.GetTemplate(templateID)
	if err != nil {
		return runState{}, err
	}

	ok, err := s.templates.TryMarkInProgress(tpl.ID, s.staleAfter)
	if err != nil {
		return runState{}, fmt.Errorf("захват шаблона: %w", err)
	}
	if !ok {
		return runState{}, domain.ErrAlreadyRunning
	}

	started := time.Now().UTC()
	st := runState{
		template: tpl,
		runID:    uuid.NewString(),
		started:  started,
		cutoff:   tpl.CutoffFor(started, hoursBack),
	}

	entry := domain.RunLog{
		ID:         st.runID,
		TemplateID: tpl.ID,
		Status:     domain.RunStatusRunning,
		StartedAt:  started,
	}
	if err := s.runs.CreateRunLog(entry); err != nil {
		// захват уже взят, фиксируем неуспешный запуск, чтобы не оставить шаблон заблокированным
		if finishErr := s.templates.FinishRun(tpl.ID, started, false, time.Time{}); finishErr != nil {
			s.log.Error().Err(finishErr).Int64("template", tpl.ID).Msg("run: не удалось снять захват после сбоя журнала")
		}
		return runState{}, fmt.Errorf("создание журнала запуска: %w", err)
	}
	return st, nil
}

// execute проводит захваченный запуск через все стадии и завершает его
// ровно один раз.
func (s *Service) execute(ctx context.Context, st runState) domain.RunResult {
	res := domain.RunResult{RunID: st.runID, TemplateID: st.template.ID}

	messages, skipped, err := s.fetchAll(ctx, st.template.Sources, st.cutoff)
	res.SkippedSources = skipped
	if err != nil {
		return s.finish(st, res, err)
	}
	res.MessagesCount = len(messages)

	digest, usage, err := s.summarizer.Summarize(ctx, messages, st.template.CustomPrompt)
	if err != nil {
		return s.finish(st, res, err)
	}
	res.TotalTokens = usage.TotalTokens

	if digest.Empty() {
		// за окно выборки ничего не накопилось, запуск успешен без доставки
		res.Success = true
		return s.finish(st, res, nil)
	}

	if _, err := s.sender.Dispatch(ctx, digest, st.template.TargetChat); err != nil {
		return s.finish(st, res, err)
	}

	res.Success = true
	return s.finish(st, res, nil)
}

// fetchAll читает все источники параллельно. Недоступные источники
// пропускаются; ошибка возвращается только когда недоступны все.
func (s *Service) fetchAll(ctx context.Context, sources []domain.TemplateSource, since time.Time) ([]domain.FetchedMessage, []string, error) {
	if len(sources) == 0 {
		return nil, nil, nil
	}

	// повторяющиеся идентификаторы читаются один раз
	identifiers := make([]string, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if _, ok := seen[src.Identifier]; ok {
			continue
		}
		seen[src.Identifier] = struct{}{}
		identifiers = append(identifiers, src.Identifier)
	}

	results := make([]domain.SourceResult, len(identifiers))
	var wg sync.WaitGroup
	for i, identifier := range identifiers {
		wg.Add(1)
		go func(i int, identifier string) {
			defer wg.Done()
			messages, err := s.fetcher.Fetch(ctx, identifier, since, s.fetchLimit)
			results[i] = domain.SourceResult{Source: identifier, Messages: messages, Err: err}
		}(i, identifier)
	}
	wg.Wait()

	var (
		merged  []domain.FetchedMessage
		skipped []string
		causes  []string
	)
	for _, r := range results {
		if r.Err != nil {
			s.log.Warn().Err(r.Err).Str("source", r.Source).Msg("run: источник пропущен")
			metrics.IncSourceFetchError()
			skipped = append(skipped, r.Source)
			causes = append(causes, fmt.Sprintf("%s: %v", r.Source, r.Err))
			continue
		}
		merged = append(merged, r.Messages...)
	}
	if len(skipped) == len(identifiers) {
		return nil, skipped, fmt.Errorf("все источники недоступны: %s", strings.Join(causes, "; "))
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].PublishedAt.Equal(merged[j].PublishedAt) {
			return merged[i].TGMsgID < merged[j].TGMsgID
		}
		return merged[i].PublishedAt.Before(merged[j].PublishedAt)
	})
	return merged, skipped, nil
}

// finish снимает флаг выполнения и закрывает журнал. Граница окна
// продвигается до начала запуска только при успехе.
func (s *Service) finish(st runState, res domain.RunResult, cause error) domain.RunResult {
	finishedAt := time.Now().UTC()
	res.Duration = finishedAt.Sub(st.started)

	status := domain.RunStatusSuccess
	if cause != nil {
		status = domain.RunStatusError
		res.Success = false
		res.Error = cause.Error()
	}

	if err := s.templates.FinishRun(st.template.ID, finishedAt, res.Success, st.started); err != nil {
		s.log.Error().Err(err).Int64("template", st.template.ID).Msg("run: не удалось зафиксировать завершение запуска")
	}
	if err := s.runs.FinishRunLog(st.runID, status, res.MessagesCount, res.TotalTokens, res.Error, finishedAt); err != nil {
		s.log.Error().Err(err).Str("run", st.runID).Msg("run: не удалось закрыть журнал запуска")
	}
	metrics.ObserveRun(string(status), st.started)
	return res
}

func (s *Service) logResult(res domain.RunResult) {
	evt := s.log.Info()
	if !res.Success {
		evt = s.log.Error()
	}
	if res.Error != "" {
		evt = evt.Str("error", res.Error)
	}
	evt.Str("run", res.RunID).
		Int64("template", res.TemplateID).
		Bool("success", res.Success).
		Int("messages", res.MessagesCount).
		Int("tokens", res.TotalTokens).
		Strs("skipped", res.SkippedSources).
		Dur("duration", res.Duration).
		Msg("run: запуск завершён")
}
