package summarizer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/deepseek"
)

type fakeChatClient struct {
	fn      func(call int, req deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error)
	calls   int
	lastReq deepseek.ChatCompletionRequest
}

func (f *fakeChatClient) CreateChatCompletion(_ context.Context, req deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error) {
	call := f.calls
	f.calls++
	f.lastReq = req
	return f.fn(call, req)
}

func newTestSummarizer(client chatClient, attempts int) *DeepSeek {
	s := NewDeepSeek(client, "", time.Second, attempts, 0, 0)
	s.retry.BaseDelay = time.Millisecond
	s.retry.MaxDelay = time.Millisecond
	return s
}

func chatJSON(content string, usage *deepseek.ChatCompletionUsage) deepseek.ChatCompletionResponse {
	return deepseek.ChatCompletionResponse{
		Choices: []deepseek.ChatCompletionChoice{
			{Message: deepseek.ChatMessage{Role: "assistant", Content: content}},
		},
		Usage: usage,
	}
}

func testMessages(texts ...string) []domain.FetchedMessage {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	out := make([]domain.FetchedMessage, 0, len(texts))
	for i, text := range texts {
		out = append(out, domain.FetchedMessage{
			Source:      "technews",
			TGMsgID:     100 + i,
			PublishedAt: base.Add(time.Duration(i) * time.Hour),
			Text:        text,
			URL:         "https://t.me/technews/100",
		})
	}
	return out
}

func TestSummarizeEmptyInputSkipsModel(t *testing.T) {
	client := &fakeChatClient{
		fn: func(int, deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error) {
			return deepseek.ChatCompletionResponse{}, errors.New("модель не должна вызываться")
		},
	}
	s := newTestSummarizer(client, 3)

	digest, usage, err := s.Summarize(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !digest.Empty() {
		t.Fatalf("ожидался пустой дайджест, получено %+v", digest)
	}
	if usage.TotalTokens != 0 {
		t.Fatalf("ожидались нулевые токены, получено %d", usage.TotalTokens)
	}
	if client.calls != 0 {
		t.Fatalf("ожидалось 0 вызовов модели, получено %d", client.calls)
	}
}

func TestSummarizeParsesResponse(t *testing.T) {
	content := `{"title":"Дайджест за день","sections":[{"heading":"Рынки","bullets":["Индекс вырос на 2%","  "]},{"heading":"","bullets":[]}]}`
	client := &fakeChatClient{
		fn: func(int, deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error) {
			return chatJSON(content, &deepseek.ChatCompletionUsage{PromptTokens: 120, CompletionTokens: 48, TotalTokens: 168}), nil
		},
	}
	s := newTestSummarizer(client, 3)

	digest, usage, err := s.Summarize(context.Background(), testMessages("Индекс Мосбиржи вырос на 2%"), "Сделай упор на рынки")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if digest.Title != "Дайджест за день" {
		t.Fatalf("неверный заголовок: %q", digest.Title)
	}
	if len(digest.Sections) != 1 {
		t.Fatalf("ожидалась 1 секция, получено %d", len(digest.Sections))
	}
	if len(digest.Sections[0].Bullets) != 1 {
		t.Fatalf("пустые пункты должны отбрасываться, получено %v", digest.Sections[0].Bullets)
	}
	if usage.TotalTokens != 168 || usage.PromptTokens != 120 {
		t.Fatalf("неверная статистика токенов: %+v", usage)
	}
	if client.calls != 1 {
		t.Fatalf("ожидался 1 вызов модели, получено %d", client.calls)
	}

	req := client.lastReq
	if req.Model != defaultModel {
		t.Fatalf("неверная модель: %q", req.Model)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Type != deepseek.ResponseFormatTypeJSONObject {
		t.Fatalf("ожидался формат json_object, получено %+v", req.ResponseFormat)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("ожидались system и user сообщения, получено %d", len(req.Messages))
	}
	userPrompt := req.Messages[1].Content
	if !strings.Contains(userPrompt, "Сделай упор на рынки") {
		t.Fatal("пользовательская инструкция не попала в промпт")
	}
	if !strings.Contains(userPrompt, "Индекс Мосбиржи") {
		t.Fatal("текст сообщения не попал в промпт")
	}
}

func TestSummarizeRetriesUntilExhausted(t *testing.T) {
	client := &fakeChatClient{
		fn: func(int, deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error) {
			return deepseek.ChatCompletionResponse{}, &deepseek.APIError{StatusCode: 502}
		},
	}
	s := newTestSummarizer(client, 3)

	_, _, err := s.Summarize(context.Background(), testMessages("новость"), "")
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}
	var sumErr *domain.SummarizationError
	if !errors.As(err, &sumErr) {
		t.Fatalf("ожидалась SummarizationError, получено %T", err)
	}
	if sumErr.Kind != domain.SummarizationExhausted {
		t.Fatalf("неверный вид ошибки: %s", sumErr.Kind)
	}
	if client.calls != 3 {
		t.Fatalf("ожидалось 3 попытки, получено %d", client.calls)
	}
}

func TestSummarizeMalformedResponse(t *testing.T) {
	client := &fakeChatClient{
		fn: func(int, deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error) {
			return chatJSON("это вообще не JSON", nil), nil
		},
	}
	s := newTestSummarizer(client, 2)

	_, _, err := s.Summarize(context.Background(), testMessages("новость"), "")
	var sumErr *domain.SummarizationError
	if !errors.As(err, &sumErr) {
		t.Fatalf("ожидалась SummarizationError, получено %v", err)
	}
	if sumErr.Kind != domain.SummarizationMalformed {
		t.Fatalf("неверный вид ошибки: %s", sumErr.Kind)
	}
	if client.calls != 2 {
		t.Fatalf("кривой ответ должен повторяться до лимита, получено %d вызовов", client.calls)
	}
}

func TestSummarizeDoesNotRetryClientErrors(t *testing.T) {
	client := &fakeChatClient{
		fn: func(int, deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error) {
			return deepseek.ChatCompletionResponse{}, &deepseek.APIError{StatusCode: 400, Message: "bad request"}
		},
	}
	s := newTestSummarizer(client, 3)

	_, _, err := s.Summarize(context.Background(), testMessages("новость"), "")
	var sumErr *domain.SummarizationError
	if !errors.As(err, &sumErr) {
		t.Fatalf("ожидалась SummarizationError, получено %v", err)
	}
	if sumErr.Kind != domain.SummarizationExhausted {
		t.Fatalf("неверный вид ошибки: %s", sumErr.Kind)
	}
	if client.calls != 1 {
		t.Fatalf("клиентская ошибка не должна повторяться, получено %d вызовов", client.calls)
	}
}

func TestSummarizeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeChatClient{
		fn: func(int, deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error) {
			cancel()
			return deepseek.ChatCompletionResponse{}, &deepseek.APIError{StatusCode: 502}
		},
	}
	s := newTestSummarizer(client, 3)

	_, _, err := s.Summarize(ctx, testMessages("новость"), "")
	var sumErr *domain.SummarizationError
	if !errors.As(err, &sumErr) {
		t.Fatalf("ожидалась SummarizationError, получено %v", err)
	}
	if sumErr.Kind != domain.SummarizationTransient {
		t.Fatalf("неверный вид ошибки: %s", sumErr.Kind)
	}
	if client.calls != 1 {
		t.Fatalf("после отмены контекста повторов быть не должно, получено %d вызовов", client.calls)
	}
}

func TestBuildPayloadKeepsNewest(t *testing.T) {
	long := strings.Repeat("д", 150)
	messages := testMessages("старое "+long, "среднее "+long, "свежее "+long)

	t.Run("without limit", func(t *testing.T) {
		payload, omitted := buildPayload(messages, 0)
		if omitted != 0 || len(payload) != 3 {
			t.Fatalf("без лимита ничего не отбрасывается: omitted=%d len=%d", omitted, len(payload))
		}
		if payload[0].ID != 1 || payload[2].ID != 3 {
			t.Fatalf("нумерация должна идти с единицы: %+v", payload)
		}
	})

	t.Run("tight limit drops oldest", func(t *testing.T) {
		payload, omitted := buildPayload(messages, 300)
		if omitted != 2 {
			t.Fatalf("ожидалось 2 отброшенных, получено %d", omitted)
		}
		if len(payload) != 1 || !strings.HasPrefix(payload[0].Text, "свежее") {
			t.Fatalf("должно остаться самое свежее сообщение: %+v", payload)
		}
		if payload[0].ID != 1 {
			t.Fatalf("нумерация должна идти с единицы, получено %d", payload[0].ID)
		}
	})

	t.Run("single message always kept", func(t *testing.T) {
		payload, omitted := buildPayload(testMessages(strings.Repeat("д", 9000)), 100)
		if omitted != 0 || len(payload) != 1 {
			t.Fatalf("единственное сообщение должно сохраняться: omitted=%d len=%d", omitted, len(payload))
		}
	})
}

func TestSummarizeReportsOmitted(t *testing.T) {
	content := `{"title":"Дайджест","sections":[{"heading":"Новости","bullets":["пункт"]}]}`
	client := &fakeChatClient{
		fn: func(int, deepseek.ChatCompletionRequest) (deepseek.ChatCompletionResponse, error) {
			return chatJSON(content, nil), nil
		},
	}
	s := NewDeepSeek(client, "", time.Second, 1, 0, 300)

	long := strings.Repeat("д", 150)
	digest, _, err := s.Summarize(context.Background(), testMessages("старое "+long, "среднее "+long, "свежее "+long), "")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if digest.Omitted != 2 {
		t.Fatalf("ожидалось Omitted=2, получено %d", digest.Omitted)
	}
	if !strings.Contains(client.lastReq.Messages[1].Content, "свежее") {
		t.Fatal("свежее сообщение должно попасть в промпт")
	}
	if strings.Contains(client.lastReq.Messages[1].Content, "старое") {
		t.Fatal("старое сообщение не должно попасть в промпт")
	}
}
