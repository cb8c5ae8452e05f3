package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var ErrUnavailable = errors.New("llm client unavailable")

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type GenerateRequest struct {
	Model           string
	Instructions    string
	Input           string
	Temperature     float64
	MaxOutputTokens int
}

type GenerateResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
}

// TextGenerator is the LLM seam used by document validation and estimate
// narratives.
type TextGenerator interface {
	Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error)
	Available() bool
}

type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	AppName    string
}

// ChatClient talks to any chat completions endpoint: OpenAI, OpenRouter or an
// Azure OpenAI gateway.
type ChatClient struct {
	apiKey string
	client openai.Client
}

func NewChatClient(config ClientConfig) *ChatClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	apiKey := strings.TrimSpace(config.APIKey)
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(config.Timeout),
		option.WithMaxRetries(config.MaxRetries),
	}
	if baseURL := strings.TrimSpace(config.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(config.HTTPClient))
	}
	if appName := strings.TrimSpace(config.AppName); appName != "" {
		opts = append(opts, option.WithHeader("X-Title", appName))
	}

	return &ChatClient{
		apiKey: apiKey,
		client: openai.NewClient(opts...),
	}
}

func (c *ChatClient) Available() bool {
	return c.apiKey != ""
}

func (c *ChatClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return GenerateResult{}, errors.New("model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return GenerateResult{}, errors.New("input is required")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if instructions := strings.TrimSpace(request.Instructions); instructions != "" {
		messages = append(messages, openai.SystemMessage(instructions))
	}
	messages = append(messages, openai.UserMessage(request.Input))

	params := openai.ChatCompletionNewParams{
		Model:       request.Model,
		Messages:    messages,
		Temperature: openai.Float(request.Temperature),
	}
	if request.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxOutputTokens))
	}

	response, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return GenerateResult{}, errors.New("chat completion without choices")
	}
	text := strings.TrimSpace(response.Choices[0].Message.Content)
	if text == "" {
		return GenerateResult{}, errors.New("chat completion without text output")
	}

	model := strings.TrimSpace(response.Model)
	if model == "" {
		model = request.Model
	}
	return GenerateResult{
		Text:    text,
		ModelID: model,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
			TotalTokens:  int(response.Usage.TotalTokens),
		},
	}, nil
}

// StatusCode reports the HTTP status of a failed completion, or zero when the
// call never got a response.
func StatusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ExtractJSON pulls the first JSON object out of model output, tolerating
// code fences and surrounding prose.
func ExtractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty model output")
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimPrefix(trimmed, "json")
		trimmed = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))
	}
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if candidate := trimmed[start : end+1]; json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}
	return nil, errors.New("model output is not valid JSON")
}
