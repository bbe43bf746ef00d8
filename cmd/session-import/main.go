package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"tg-summary-bot/internal/adapters/mtproto"
	"tg-summary-bot/internal/adapters/repo"
	"tg-summary-bot/internal/infra/config"
	"tg-summary-bot/internal/infra/db"
)

func main() {
	var (
		filePath    string
		sessionName string
	)
	flag.StringVar(&filePath, "file", "", "Путь к файлу MTProto-сессии (gotd JSON, Telethon JSON или строка)")
	flag.StringVar(&sessionName, "name", "default", "Имя сессии в хранилище")
	flag.Parse()

	if filePath == "" {
		log.Fatal().Msg("session-import: укажите файл сессии (-file)")
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("session-import: не удалось прочитать файл")
	}
	normalized, converted, err := mtproto.NormalizeSessionBytes(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("session-import: неизвестный формат сессии")
	}

	cfg := config.Load()
	if cfg.PGDSN == "" {
		log.Fatal().Msg("session-import: не указан PG_DSN")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("session-import: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repoAdapter.StoreMTProtoSession(ctx, sessionName, normalized); err != nil {
		log.Fatal().Err(err).Msg("session-import: не удалось сохранить сессию")
	}

	if converted {
		fmt.Println("Сессия сконвертирована в формат gotd JSON")
	}
	fmt.Printf("Сессия %q сохранена (%d байт)\n", sessionName, len(normalized))
}
