package mtproto

import (
	"context"

	"github.com/gotd/td/session"

	"tg-summary-bot/internal/domain"
)

// SessionDB — session.Storage поверх хранилища сессий в Postgres.
type SessionDB struct {
	repo domain.SessionRepo
	name string
}

var _ session.Storage = (*SessionDB)(nil)

// NewSessionDB создаёт хранилище сессии с заданным именем.
func NewSessionDB(repo domain.SessionRepo, name string) *SessionDB {
	if name == "" {
		name = "default"
	}
	return &SessionDB{repo: repo, name: name}
}

// LoadSession реализует session.Storage.
func (s *SessionDB) LoadSession(ctx context.Context) ([]byte, error) {
	return s.repo.LoadMTProtoSession(ctx, s.name)
}

// StoreSession реализует session.Storage.
func (s *SessionDB) StoreSession(ctx context.Context, data []byte) error {
	return s.repo.StoreMTProtoSession(ctx, s.name, data)
}
