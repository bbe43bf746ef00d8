package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// Postgres реализует репозитории домена на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.TemplateRepo = (*Postgres)(nil)
	_ domain.RunLogRepo   = (*Postgres)(nil)
	_ domain.ChatRepo     = (*Postgres)(nil)
	_ domain.SessionRepo  = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.StoreError{Op: op, Err: err}
}

const templateColumns = `id, user_id, name, target_chat, frequency_hours, custom_prompt, is_active, in_progress, in_progress_at, last_run_at, last_cutoff, created_at, updated_at`

func scanTemplate(row pgx.Row) (domain.Template, error) {
	var (
		tpl          domain.Template
		customPrompt sql.NullString
		inProgressAt sql.NullTime
		lastRunAt    sql.NullTime
		lastCutoff   sql.NullTime
	)
	err := row.Scan(&tpl.ID, &tpl.UserID, &tpl.Name, &tpl.TargetChat, &tpl.FrequencyHours, &customPrompt, &tpl.IsActive, &tpl.InProgress, &inProgressAt, &lastRunAt, &lastCutoff, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return domain.Template{}, err
	}
	if customPrompt.Valid {
		tpl.CustomPrompt = customPrompt.String
	}
	if inProgressAt.Valid {
		ts := inProgressAt.Time
		tpl.InProgressAt = &ts
	}
	if lastRunAt.Valid {
		ts := lastRunAt.Time
		tpl.LastRunAt = &ts
	}
	if lastCutoff.Valid {
		ts := lastCutoff.Time
		tpl.LastCutoff = &ts
	}
	return tpl, nil
}

func (p *Postgres) listSources(ctx context.Context, templateIDs []int64) (map[int64][]domain.TemplateSource, error) {
	if len(templateIDs) == 0 {
		return nil, nil
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, template_id, identifier, position
FROM template_sources
WHERE template_id = ANY($1)
ORDER BY template_id, position
`, templateIDs)
	metrics.ObserveNetworkRequest("postgres", "template_sources_list", "template_sources", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make(map[int64][]domain.TemplateSource)
	for rows.Next() {
		var src domain.TemplateSource
		if err := rows.Scan(&src.ID, &src.TemplateID, &src.Identifier, &src.Position); err != nil {
			return nil, err
		}
		sources[src.TemplateID] = append(sources[src.TemplateID], src)
	}
	return sources, rows.Err()
}

// GetTemplate возвращает шаблон вместе с источниками.
func (p *Postgres) GetTemplate(id int64) (domain.Template, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM digest_templates WHERE id=$1`, id)
	tpl, err := scanTemplate(row)
	metrics.ObserveNetworkRequest("postgres", "templates_get", "digest_templates", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Template{}, domain.ErrTemplateNotFound
	}
	if err != nil {
		return domain.Template{}, storeErr("templates_get", err)
	}

	sources, err := p.listSources(ctx, []int64{id})
	if err != nil {
		return domain.Template{}, storeErr("template_sources_list", err)
	}
	tpl.Sources = sources[id]
	return tpl, nil
}

// ListDueTemplates возвращает активные шаблоны, просроченные к моменту now.
func (p *Postgres) ListDueTemplates(now time.Time, limit int) ([]domain.Template, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+templateColumns+`
FROM digest_templates
WHERE is_active
  AND (last_run_at IS NULL OR last_run_at + make_interval(hours => frequency_hours) <= $1)
ORDER BY last_run_at ASC NULLS FIRST
LIMIT $2
`, now, limit)
	metrics.ObserveNetworkRequest("postgres", "templates_list_due", "digest_templates", start, err)
	if err != nil {
		return nil, storeErr("templates_list_due", err)
	}
	defer rows.Close()

	var templates []domain.Template
	var ids []int64
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, storeErr("templates_list_due", err)
		}
		templates = append(templates, tpl)
		ids = append(ids, tpl.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("templates_list_due", err)
	}

	sources, err := p.listSources(ctx, ids)
	if err != nil {
		return nil, storeErr("template_sources_list", err)
	}
	for i := range templates {
		templates[i].Sources = sources[templates[i].ID]
	}
	return templates, nil
}

// TryMarkInProgress атомарно захватывает флаг выполнения шаблона.
// Захват проходит, если шаблон не выполняется либо его запуск протух.
func (p *Postgres) TryMarkInProgress(id int64, staleAfter time.Duration) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	threshold := time.Now().UTC().Add(-staleAfter)
	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE digest_templates
SET in_progress = TRUE, in_progress_at = now(), updated_at = now()
WHERE id = $1 AND (NOT in_progress OR in_progress_at IS NULL OR in_progress_at < $2)
`, id, threshold)
	metrics.ObserveNetworkRequest("postgres", "templates_mark_in_progress", "digest_templates", start, err)
	if err != nil {
		return false, storeErr("templates_mark_in_progress", err)
	}
	return res.RowsAffected() > 0, nil
}

// FinishRun снимает флаг выполнения. Момент последнего запуска фиксируется
// и при успехе, и при ошибке; граница окна продвигается только при успехе.
func (p *Postgres) FinishRun(id int64, finishedAt time.Time, success bool, cutoff time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	var err error
	if success {
		_, err = p.pool.Exec(ctx, `
UPDATE digest_templates
SET in_progress = FALSE, in_progress_at = NULL, last_run_at = $2, last_cutoff = $3, updated_at = now()
WHERE id = $1
`, id, finishedAt, cutoff)
	} else {
		_, err = p.pool.Exec(ctx, `
UPDATE digest_templates
SET in_progress = FALSE, in_progress_at = NULL, last_run_at = $2, updated_at = now()
WHERE id = $1
`, id, finishedAt)
	}
	metrics.ObserveNetworkRequest("postgres", "templates_finish_run", "digest_templates", start, err)
	return storeErr("templates_finish_run", err)
}

// ClearStaleInProgress сбрасывает флаги запусков, зависших дольше olderThan.
func (p *Postgres) ClearStaleInProgress(olderThan time.Duration) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	threshold := time.Now().UTC().Add(-olderThan)
	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE digest_templates
SET in_progress = FALSE, in_progress_at = NULL, updated_at = now()
WHERE in_progress AND (in_progress_at IS NULL OR in_progress_at < $1)
`, threshold)
	metrics.ObserveNetworkRequest("postgres", "templates_clear_stale", "digest_templates", start, err)
	if err != nil {
		return 0, storeErr("templates_clear_stale", err)
	}
	return res.RowsAffected(), nil
}

// CreateRunLog создаёт запись журнала запусков.
func (p *Postgres) CreateRunLog(entry domain.RunLog) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO template_runs (id, template_id, status, messages_count, total_tokens, error, started_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
`, entry.ID, entry.TemplateID, entry.Status, entry.MessagesCount, entry.TotalTokens, entry.Error, entry.StartedAt)
	metrics.ObserveNetworkRequest("postgres", "template_runs_insert", "template_runs", start, err)
	return storeErr("template_runs_insert", err)
}

// FinishRunLog фиксирует итог запуска в журнале.
func (p *Postgres) FinishRunLog(id string, status domain.RunStatus, messagesCount, totalTokens int, errText string, finishedAt time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE template_runs
SET status = $2, messages_count = $3, total_tokens = $4, error = NULLIF($5, ''), finished_at = $6
WHERE id = $1
`, id, status, messagesCount, totalTokens, errText, finishedAt)
	metrics.ObserveNetworkRequest("postgres", "template_runs_finish", "template_runs", start, err)
	return storeErr("template_runs_finish", err)
}

// LatestRunLog возвращает последнюю запись журнала шаблона.
// Если запусков ещё не было, возвращается нулевое значение без ошибки.
func (p *Postgres) LatestRunLog(templateID int64) (domain.RunLog, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		entry      domain.RunLog
		errText    sql.NullString
		finishedAt sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, template_id, status, messages_count, total_tokens, error, started_at, finished_at
FROM template_runs
WHERE template_id = $1
ORDER BY started_at DESC
LIMIT 1
`, templateID).Scan(&entry.ID, &entry.TemplateID, &entry.Status, &entry.MessagesCount, &entry.TotalTokens, &errText, &entry.StartedAt, &finishedAt)
	metrics.ObserveNetworkRequest("postgres", "template_runs_latest", "template_runs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RunLog{}, nil
	}
	if err != nil {
		return domain.RunLog{}, storeErr("template_runs_latest", err)
	}
	if errText.Valid {
		entry.Error = errText.String
	}
	if finishedAt.Valid {
		ts := finishedAt.Time
		entry.FinishedAt = &ts
	}
	return entry, nil
}

// UpsertChat сохраняет чат в реестре известных боту чатов.
func (p *Postgres) UpsertChat(chat domain.KnownChat) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO known_chats (chat_id, type, title, username, added_by, last_seen_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, now())
ON CONFLICT (chat_id) DO UPDATE
SET type = EXCLUDED.type,
    title = EXCLUDED.title,
    username = COALESCE(EXCLUDED.username, known_chats.username),
    last_seen_at = now()
`, chat.ChatID, chat.Type, chat.Title, strings.ToLower(chat.Username), chat.AddedBy)
	metrics.ObserveNetworkRequest("postgres", "known_chats_upsert", "known_chats", start, err)
	return storeErr("known_chats_upsert", err)
}

// RemoveChat удаляет чат из реестра.
func (p *Postgres) RemoveChat(chatID int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM known_chats WHERE chat_id = $1`, chatID)
	metrics.ObserveNetworkRequest("postgres", "known_chats_remove", "known_chats", start, err)
	return storeErr("known_chats_remove", err)
}

// FindChatByUsername ищет чат по username без учёта регистра и префикса @.
func (p *Postgres) FindChatByUsername(username string) (domain.KnownChat, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	normalized := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(username)), "@")

	var (
		chat     domain.KnownChat
		title    sql.NullString
		uname    sql.NullString
		lastSeen sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT chat_id, type, title, username, added_by, last_seen_at
FROM known_chats
WHERE username = $1
`, normalized).Scan(&chat.ChatID, &chat.Type, &title, &uname, &chat.AddedBy, &lastSeen)
	metrics.ObserveNetworkRequest("postgres", "known_chats_find", "known_chats", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.KnownChat{}, domain.ErrChatNotFound
	}
	if err != nil {
		return domain.KnownChat{}, storeErr("known_chats_find", err)
	}
	if title.Valid {
		chat.Title = title.String
	}
	if uname.Valid {
		chat.Username = uname.String
	}
	if lastSeen.Valid {
		chat.LastSeenAt = lastSeen.Time
	}
	return chat, nil
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
