package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// Runner выполняет один запуск шаблона; реализуется сервисом запусков.
type Runner interface {
	Execute(ctx context.Context, templateID int64, hoursBack int) (domain.RunResult, error)
}

// Service — планировщик: с фиксированным интервалом находит просроченные
// шаблоны и раздаёт их ограниченному пулу воркеров. Повторная выдача
// одного шаблона безвредна: CAS-захват флага in_progress отбрасывает
// дубликаты, в том числе из других процессов.
type Service struct {
	templates domain.TemplateRepo
	runner    Runner
	log       zerolog.Logger

	interval      time.Duration
	maxConcurrent int
	staleAfter    time.Duration
	scanLimit     int
}

// NewService создаёт планировщик.
func NewService(templates domain.TemplateRepo, runner Runner, log zerolog.Logger, interval time.Duration, maxConcurrent int, staleAfter time.Duration) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxConcurrent < 1 {
		maxConcurrent = 3
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Service{
		templates:     templates,
		runner:        runner,
		log:           log,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		staleAfter:    staleAfter,
		scanLimit:     100,
	}
}

// Run крутит цикл планировщика до отмены контекста. Начатые запуски
// дорабатывают до конца и при остановке.
func (s *Service) Run(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.interval).
		Int("max_concurrent", s.maxConcurrent).
		Msg("scheduler: цикл запущен")

	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, sem, &wg)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.log.Info().Msg("scheduler: цикл остановлен")
			return
		case <-ticker.C:
			s.tick(ctx, sem, &wg)
		}
	}
}

// tick выполняет один проход: сбрасывает протухшие захваты и раздаёт
// просроченные шаблоны воркерам. Ошибки хранилища не роняют цикл,
// следующий проход повторит попытку.
func (s *Service) tick(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	cleared, err := s.templates.ClearStaleInProgress(s.staleAfter)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: не удалось сбросить протухшие захваты")
	} else if cleared > 0 {
		metrics.AddStaleRunsCleared(cleared)
		s.log.Warn().Int64("cleared", cleared).Msg("scheduler: сброшены протухшие захваты")
	}

	due, err := s.templates.ListDueTemplates(time.Now().UTC(), s.scanLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: не удалось получить просроченные шаблоны")
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Info().Int("due", len(due)).Msg("scheduler: найдены просроченные шаблоны")

	for _, tpl := range due {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runOne(ctx, id)
		}(tpl.ID)
	}
}

func (s *Service) runOne(ctx context.Context, templateID int64) {
	res, err := s.runner.Execute(ctx, templateID, 0)
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		s.log.Debug().Int64("template", templateID).Msg("scheduler: шаблон уже выполняется, пропускаем")
	case err != nil:
		s.log.Error().Err(err).Int64("template", templateID).Msg("scheduler: запуск не состоялся")
	case !res.Success:
		s.log.Warn().
			Str("run", res.RunID).
			Int64("template", templateID).
			Str("error", res.Error).
			Strs("skipped", res.SkippedSources).
			Dur("duration", res.Duration).
			Msg("scheduler: запуск завершился ошибкой")
	default:
		s.log.Info().
			Str("run", res.RunID).
			Int64("template", templateID).
			Int("messages", res.MessagesCount).
			Int("tokens", res.TotalTokens).
			Strs("skipped", res.SkippedSources).
			Dur("duration", res.Duration).
			Msg("scheduler: запуск завершён")
	}
}
