package mtproto

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

const (
	defaultFetchTimeout = 45 * time.Second
	defaultPeerCacheTTL = 24 * time.Hour
	historyBatch        = 100
	maxFloodWait        = 30 * time.Second
)

// Fetcher читает историю публичных каналов через MTProto под пользовательской сессией.
// Клиент живёт всё время работы сервиса: Run держит соединение, Fetch ходит за историей.
type Fetcher struct {
	client   *telegram.Client
	api      *tg.Client
	cache    domain.Cache
	log      zerolog.Logger
	timeout  time.Duration
	cacheTTL time.Duration

	ready chan struct{}
}

var _ domain.MessageFetcher = (*Fetcher)(nil)

// NewFetcher создаёт MTProto-клиента поверх сохранённой сессии.
// Кэш peer'ов необязателен: без него каждый запуск резолвит username заново.
func NewFetcher(apiID int, apiHash string, storage session.Storage, peerCache domain.Cache, timeout, cacheTTL time.Duration, logger zerolog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultPeerCacheTTL
	}
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Fetcher{
		client:   client,
		api:      client.API(),
		cache:    peerCache,
		log:      logger,
		timeout:  timeout,
		cacheTTL: cacheTTL,
		ready:    make(chan struct{}),
	}
}

// Run держит соединение MTProto открытым до отмены контекста.
// Возвращает ошибку сразу, если сохранённая сессия не авторизована.
func (f *Fetcher) Run(ctx context.Context) error {
	return f.client.Run(ctx, func(ctx context.Context) error {
		status, err := f.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("статус авторизации: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("сессия не авторизована, загрузите её через session-import")
		}
		f.log.Info().Msg("fetcher: MTProto-сессия активна")
		close(f.ready)
		<-ctx.Done()
		return ctx.Err()
	})
}

func (f *Fetcher) waitReady(ctx context.Context) error {
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mtproto-клиент не готов: %w", ctx.Err())
	}
}

// Fetch возвращает сообщения источника, опубликованные после since, старые-первыми.
func (f *Fetcher) Fetch(ctx context.Context, source string, since time.Time, limit int) ([]domain.FetchedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.waitReady(ctx); err != nil {
		return nil, err
	}

	peer, err := f.resolveSource(ctx, source)
	if err != nil {
		return nil, err
	}

	msgs, err := f.history(ctx, peer, since, limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].PublishedAt.Before(msgs[j].PublishedAt) })
	return msgs, nil
}

type channelPeer struct {
	ChannelID  int64  `json:"channel_id"`
	AccessHash int64  `json:"access_hash"`
	Username   string `json:"username"`
}

func peerCacheKey(username string) string {
	return "mtproto:peer:" + username
}

func peerCacheKeyByID(id int64) string {
	return "mtproto:peer:id:" + strconv.FormatInt(id, 10)
}

func (f *Fetcher) resolveSource(ctx context.Context, source string) (channelPeer, error) {
	username := domain.NormalizeSourceIdentifier(source)
	if username == "" {
		return channelPeer{}, &domain.SourceUnavailableError{Source: source, Err: fmt.Errorf("пустой идентификатор")}
	}

	// Числовой id резолвится только через кэш: без access hash канал не прочитать.
	if id, err := strconv.ParseInt(username, 10, 64); err == nil {
		if peer, ok := f.cachedPeer(peerCacheKeyByID(id)); ok {
			return peer, nil
		}
		return channelPeer{}, &domain.SourceUnavailableError{Source: source, Err: fmt.Errorf("канал с числовым id неизвестен, укажите username")}
	}

	if peer, ok := f.cachedPeer(peerCacheKey(username)); ok {
		return peer, nil
	}

	start := time.Now()
	res, err := f.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	metrics.ObserveNetworkRequest("mtproto", "resolve_username", "contacts", start, err)
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "CHANNEL_PRIVATE") {
			return channelPeer{}, &domain.SourceUnavailableError{Source: source, Err: err}
		}
		return channelPeer{}, fmt.Errorf("resolve %s: %w", username, err)
	}

	for _, chat := range res.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		peer := channelPeer{ChannelID: ch.ID, AccessHash: ch.AccessHash, Username: username}
		f.storePeer(peer)
		return peer, nil
	}
	return channelPeer{}, &domain.SourceUnavailableError{Source: source, Err: fmt.Errorf("идентификатор не указывает на канал")}
}

func (f *Fetcher) cachedPeer(key string) (channelPeer, bool) {
	if f.cache == nil {
		return channelPeer{}, false
	}
	raw, err := f.cache.Get(key)
	if err != nil {
		return channelPeer{}, false
	}
	var peer channelPeer
	if err := json.Unmarshal(raw, &peer); err != nil {
		return channelPeer{}, false
	}
	return peer, peer.ChannelID != 0
}

func (f *Fetcher) storePeer(peer channelPeer) {
	if f.cache == nil {
		return
	}
	raw, err := json.Marshal(peer)
	if err != nil {
		return
	}
	if peer.Username != "" {
		if err := f.cache.Set(peerCacheKey(peer.Username), raw, f.cacheTTL); err != nil {
			f.log.Debug().Err(err).Str("source", peer.Username).Msg("fetcher: не удалось закэшировать peer")
		}
	}
	_ = f.cache.Set(peerCacheKeyByID(peer.ChannelID), raw, f.cacheTTL)
}

func (f *Fetcher) history(ctx context.Context, peer channelPeer, since time.Time, limit int) ([]domain.FetchedMessage, error) {
	input := &tg.InputPeerChannel{ChannelID: peer.ChannelID, AccessHash: peer.AccessHash}

	var out []domain.FetchedMessage
	offsetID := 0
	for {
		start := time.Now()
		res, err := f.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     input,
			OffsetID: offsetID,
			Limit:    historyBatch,
		})
		metrics.ObserveNetworkRequest("mtproto", "get_history", peer.Username, start, err)
		if err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok && wait <= maxFloodWait {
				f.log.Warn().Dur("wait", wait).Str("source", peer.Username).Msg("fetcher: FLOOD_WAIT, ждём")
				select {
				case <-time.After(wait + time.Second):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID") {
				return nil, &domain.SourceUnavailableError{Source: peer.Username, Err: err}
			}
			return nil, fmt.Errorf("history %s: %w", peer.Username, err)
		}

		page, ok := historyMessages(res)
		if !ok {
			return nil, fmt.Errorf("history %s: неожиданный ответ %T", peer.Username, res)
		}
		if len(page) == 0 {
			return out, nil
		}

		msgs, oldest, reachedCutoff := messagesAfter(page, peer.Username, since, limit-len(out))
		out = append(out, msgs...)
		if reachedCutoff || len(out) >= limit || len(page) < historyBatch || oldest == 0 {
			return out, nil
		}
		offsetID = oldest
	}
}

func historyMessages(res tg.MessagesMessagesClass) ([]tg.MessageClass, bool) {
	switch h := res.(type) {
	case *tg.MessagesChannelMessages:
		return h.Messages, true
	case *tg.MessagesMessagesSlice:
		return h.Messages, true
	case *tg.MessagesMessages:
		return h.Messages, true
	default:
		return nil, false
	}
}

func rawMessageID(raw tg.MessageClass) (int, bool) {
	switch m := raw.(type) {
	case *tg.Message:
		return m.ID, true
	case *tg.MessageService:
		return m.ID, true
	case *tg.MessageEmpty:
		return m.ID, true
	default:
		return 0, false
	}
}

// messagesAfter отбирает содержательные сообщения новее since из страницы истории
// (новые-первыми). Возвращает границу пагинации и признак достижения окна.
func messagesAfter(page []tg.MessageClass, source string, since time.Time, limit int) ([]domain.FetchedMessage, int, bool) {
	var out []domain.FetchedMessage
	oldest := 0
	reachedCutoff := false
	for _, raw := range page {
		if id, ok := rawMessageID(raw); ok && (oldest == 0 || id < oldest) {
			oldest = id
		}
		msg, ok := raw.(*tg.Message)
		if !ok {
			// служебные и пустые сообщения
			continue
		}
		published := time.Unix(int64(msg.Date), 0).UTC()
		if !published.After(since) {
			reachedCutoff = true
			break
		}
		text := strings.TrimSpace(msg.Message)
		if text == "" {
			continue
		}
		out = append(out, domain.FetchedMessage{
			Source:      source,
			TGMsgID:     int64(msg.ID),
			PublishedAt: published,
			Text:        text,
			URL:         messageURL(source, msg.ID),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, oldest, reachedCutoff
}

// messageURL строит публичную ссылку на сообщение канала.
func messageURL(username string, msgID int) string {
	if username == "" {
		return ""
	}
	return fmt.Sprintf("https://t.me/%s/%d", username, msgID)
}
