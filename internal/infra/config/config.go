package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`

	Telegram struct {
		Token string `envconfig:"TG_BOT_TOKEN"`
		// MessageLimit — максимальная длина одного сообщения Bot API.
		MessageLimit int           `envconfig:"TG_MESSAGE_LIMIT" default:"4096"`
		SendTimeout  time.Duration `envconfig:"TG_SEND_TIMEOUT" default:"30s"`
		SendRetries  int           `envconfig:"TG_SEND_RETRIES" default:"3"`
	} `envconfig:""`

	MTProto struct {
		APIID        int           `envconfig:"TG_API_ID"`
		APIHash      string        `envconfig:"TG_API_HASH"`
		SessionName  string        `envconfig:"MTPROTO_SESSION_NAME" default:"default"`
		FetchTimeout time.Duration `envconfig:"MTPROTO_FETCH_TIMEOUT" default:"45s"`
		FetchLimit   int           `envconfig:"MTPROTO_FETCH_LIMIT" default:"200"`
		PeerCacheTTL time.Duration `envconfig:"MTPROTO_PEER_CACHE_TTL" default:"24h"`
	} `envconfig:""`

	DeepSeek struct {
		APIKey          string        `envconfig:"DEEPSEEK_API_KEY"`
		BaseURL         string        `envconfig:"DEEPSEEK_BASE_URL"`
		Model           string        `envconfig:"DEEPSEEK_MODEL" default:"deepseek-chat"`
		Timeout         time.Duration `envconfig:"DEEPSEEK_TIMEOUT" default:"90s"`
		MaxAttempts     int           `envconfig:"DEEPSEEK_MAX_ATTEMPTS" default:"3"`
		MaxTokens       int           `envconfig:"DEEPSEEK_MAX_TOKENS" default:"600"`
		PromptCharLimit int           `envconfig:"DEEPSEEK_PROMPT_CHAR_LIMIT" default:"24000"`
	} `envconfig:""`

	Scheduler struct {
		CheckIntervalSeconds int `envconfig:"CHECK_INTERVAL_SECONDS" default:"300"`
		MaxConcurrentRuns    int `envconfig:"MAX_CONCURRENT_RUNS" default:"4"`
	} `envconfig:""`

	Auth struct {
		InitDataTTLSeconds int `envconfig:"INITDATA_TTL_SECONDS" default:"86400"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// CheckInterval возвращает период цикла планировщика.
func (c AppConfig) CheckInterval() time.Duration {
	return time.Duration(c.Scheduler.CheckIntervalSeconds) * time.Second
}

// InitDataTTL возвращает срок годности initData для авторизации Mini App.
func (c AppConfig) InitDataTTL() time.Duration {
	return time.Duration(c.Auth.InitDataTTLSeconds) * time.Second
}

// StaleRunAfter — потолок времени, после которого запуск считается зависшим.
// Берётся с запасом относительно самого длинного этапа конвейера.
func (c AppConfig) StaleRunAfter() time.Duration {
	longest := c.MTProto.FetchTimeout
	if c.DeepSeek.Timeout > longest {
		longest = c.DeepSeek.Timeout
	}
	if c.Telegram.SendTimeout > longest {
		longest = c.Telegram.SendTimeout
	}
	retries := c.DeepSeek.MaxAttempts
	if retries < 1 {
		retries = 1
	}
	stale := time.Duration(retries) * 2 * longest
	if stale < 10*time.Minute {
		stale = 10 * time.Minute
	}
	return stale
}
