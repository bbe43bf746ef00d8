package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/deepseek"
	"tg-summary-bot/internal/infra/retry"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error)
}

const (
	defaultModel    = "deepseek-chat"
	maxMessageChars = 4000
	// perMessageOverhead — примерная стоимость служебных полей одного сообщения в промпте.
	perMessageOverhead = 64
)

// DeepSeek реализует domain.Summarizer через DeepSeek Chat Completions.
type DeepSeek struct {
	client      chatClient
	model       string
	timeout     time.Duration
	maxTokens   int
	promptLimit int
	retry       retry.Policy
}

var _ domain.Summarizer = (*DeepSeek)(nil)

// NewDeepSeek создаёт суммаризатор.
func NewDeepSeek(client chatClient, model string, timeout time.Duration, maxAttempts, maxTokens, promptCharLimit int) *DeepSeek {
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if maxTokens <= 0 {
		maxTokens = 600
	}
	if promptCharLimit <= 0 {
		promptCharLimit = 24000
	}
	return &DeepSeek{
		client:      client,
		model:       model,
		timeout:     timeout,
		maxTokens:   maxTokens,
		promptLimit: promptCharLimit,
		retry: retry.Policy{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    15 * time.Second,
			Retryable:   retryableSummarizeErr,
		},
	}
}

type digestMessagePayload struct {
	ID          int    `json:"id"`
	Source      string `json:"source"`
	PublishedAt string `json:"published_at"`
	URL         string `json:"url,omitempty"`
	Text        string `json:"text"`
}

type digestResponse struct {
	Title    string                  `json:"title"`
	Sections []digestResponseSection `json:"sections"`
}

type digestResponseSection struct {
	Heading string   `json:"heading"`
	Bullets []string `json:"bullets"`
}

// parseError помечает ответ модели, который не разобрался в ожидаемую структуру.
type parseError struct {
	err error
}

func (e *parseError) Error() string {
	return fmt.Sprintf("ответ модели не разобрался: %v", e.err)
}

func (e *parseError) Unwrap() error {
	return e.err
}

func retryableSummarizeErr(err error) bool {
	var apiErr *deepseek.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// сетевые сбои, таймауты и кривой JSON пробуем ещё раз
	return true
}

func summarizeErrKind(ctx context.Context, err error) domain.SummarizationErrorKind {
	var pe *parseError
	if errors.As(err, &pe) {
		return domain.SummarizationMalformed
	}
	if ctx.Err() != nil {
		return domain.SummarizationTransient
	}
	return domain.SummarizationExhausted
}

// Summarize строит дайджест по сообщениям. Пустой вход завершается
// успехом без обращения к модели.
func (s *DeepSeek) Summarize(ctx context.Context, messages []domain.FetchedMessage, customPrompt string) (domain.Digest, domain.TokenUsage, error) {
	if len(messages) == 0 {
		return domain.Digest{}, domain.TokenUsage{}, nil
	}

	payload, omitted := buildPayload(messages, s.promptLimit)
	req, err := s.buildRequest(payload, customPrompt)
	if err != nil {
		return domain.Digest{}, domain.TokenUsage{}, err
	}

	var (
		digest domain.Digest
		usage  domain.TokenUsage
	)
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		resp, err := s.client.CreateChatCompletion(attemptCtx, req)
		if err != nil {
			return err
		}
		parsed, err := parseDigest(resp)
		if err != nil {
			return err
		}
		digest = parsed
		if resp.Usage != nil {
			usage = domain.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		return nil
	})
	if err != nil {
		return domain.Digest{}, domain.TokenUsage{}, &domain.SummarizationError{Kind: summarizeErrKind(ctx, err), Err: err}
	}

	digest.Omitted = omitted
	return digest, usage, nil
}

// buildPayload готовит вход модели, отбрасывая старейшие сообщения при
// превышении лимита символов. Самые свежие сообщения сохраняются всегда.
func buildPayload(messages []domain.FetchedMessage, charLimit int) ([]digestMessagePayload, int) {
	kept := len(messages)
	if charLimit > 0 {
		budget := charLimit
		kept = 0
		for i := len(messages) - 1; i >= 0; i-- {
			cost := utf8.RuneCountInString(messages[i].Text)
			if cost > maxMessageChars {
				cost = maxMessageChars
			}
			cost += perMessageOverhead
			if kept > 0 && cost > budget {
				break
			}
			budget -= cost
			kept++
		}
	}

	start := len(messages) - kept
	payload := make([]digestMessagePayload, 0, kept)
	for i, msg := range messages[start:] {
		payload = append(payload, digestMessagePayload{
			ID:          i + 1,
			Source:      msg.Source,
			PublishedAt: msg.PublishedAt.UTC().Format(time.RFC3339),
			URL:         msg.URL,
			Text:        clipRunes(msg.Text, maxMessageChars),
		})
	}
	return payload, start
}

func (s *DeepSeek) buildRequest(payload []digestMessagePayload, customPrompt string) (deepseek.ChatCompletionRequest, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return deepseek.ChatCompletionRequest{}, fmt.Errorf("marshal messages: %w", err)
	}

	instructions := strings.TrimSpace(customPrompt)
	if instructions == "" {
		instructions = "Сгруппируй новости по темам и выдели главное."
	}

	userPrompt := fmt.Sprintf(`Составь дайджест новостей на русском языке по сообщениям телеграм-каналов.
%s
Правила:
1. Сгруппируй сообщения в 2-5 тематических секций с короткими заголовками.
2. В каждой секции дай 1-5 пунктов, одно-два предложения на пункт, только факты из сообщений.
3. Там, где ссылка важна, вставь значение поля "url" прямо в текст пункта.
4. Ответ верни строго в формате JSON: {"title": "...", "sections": [{"heading": "...", "bullets": ["..."]}]}.

Сообщения в JSON:
%s`, instructions, string(body))

	return deepseek.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.2,
		MaxTokens:   s.maxTokens,
		Messages: []deepseek.ChatMessage{
			{
				Role:    deepseek.RoleSystem,
				Content: "Ты составляешь дайджесты новостей из Telegram на русском языке. Используй только факты из переданных сообщений и не выдумывай ничего нового.",
			},
			{
				Role:    deepseek.RoleUser,
				Content: userPrompt,
			},
		},
		ResponseFormat: &deepseek.ChatCompletionResponseFormat{Type: deepseek.ResponseFormatTypeJSONObject},
	}, nil
}

func parseDigest(resp deepseek.ChatCompletionResponse) (domain.Digest, error) {
	if len(resp.Choices) == 0 {
		return domain.Digest{}, &parseError{err: fmt.Errorf("пустой список choices")}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var parsed digestResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return domain.Digest{}, &parseError{err: err}
	}

	digest := domain.Digest{Title: strings.TrimSpace(parsed.Title)}
	for _, section := range parsed.Sections {
		heading := strings.TrimSpace(section.Heading)
		bullets := filterValues(section.Bullets)
		if heading == "" && len(bullets) == 0 {
			continue
		}
		digest.Sections = append(digest.Sections, domain.DigestSection{Heading: heading, Bullets: bullets})
	}
	if digest.Empty() {
		return domain.Digest{}, &parseError{err: fmt.Errorf("в ответе нет ни одной секции")}
	}
	return digest, nil
}

func filterValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
