package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

type OpenAIOption func(*OpenAIProvider)

type OpenAIProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	provider := &OpenAIProvider{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultOpenAIEndpoint,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) {
		if client != nil {
			p.client = client
		}
	}
}

type openAIRequest struct {
	Model           string              `json:"model"`
	Messages        []openAIMessage     `json:"messages"`
	MaxTokens       int                 `json:"max_tokens"`
	Temperature     float64             `json:"temperature"`
	ReasoningEffort string              `json:"reasoning_effort,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	StreamOptions   *openAIStreamOption `json:"stream_options,omitempty"`
}

type openAIStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openAIErrorEnvelope struct {
	Error openAIError `json:"error"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	resp, err := p.send(ctx, req, false)
	if err != nil {
		return CompletionResponse{}, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return CompletionResponse{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, errors.New("completion response contained no choices")
	}

	choice := parsed.Choices[0]
	content := choice.Message.Content
	if strings.TrimSpace(content) == "" {
		return CompletionResponse{}, errors.New("completion response contained no text")
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = req.Model
	}
	return CompletionResponse{
		Content: content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
		Model:      modelName,
		StopReason: choice.FinishReason,
	}, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	resp, err := p.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk, 8)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		usage := Usage{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				break
			}

			var event openAIResponse
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			if event.Usage.PromptTokens != 0 || event.Usage.CompletionTokens != 0 {
				usage = Usage{
					InputTokens:  event.Usage.PromptTokens,
					OutputTokens: event.Usage.CompletionTokens,
				}
			}
			if len(event.Choices) == 0 {
				continue
			}
			if text := event.Choices[0].Delta.Content; text != "" {
				select {
				case chunks <- Chunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case chunks <- Chunk{Done: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return chunks, nil
}

func (p *OpenAIProvider) send(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return nil, errors.New("max tokens must be greater than zero")
	}
	if !req.Effort.Valid() {
		return nil, fmt.Errorf("unsupported reasoning effort %q", req.Effort)
	}

	messages := buildOpenAIMessages(req)
	if len(messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	payload := openAIRequest{
		Model:           req.Model,
		Messages:        messages,
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		ReasoningEffort: string(req.Effort),
		Stream:          stream,
	}
	if stream {
		payload.StreamOptions = &openAIStreamOption{IncludeUsage: true}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call completion api: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, parseOpenAIAPIError(resp)
	}
	return resp, nil
}

func buildOpenAIMessages(req CompletionRequest) []openAIMessage {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if trimmed := strings.TrimSpace(req.SystemPrompt); trimmed != "" {
		messages = append(messages, openAIMessage{Role: string(RoleSystem), Content: req.SystemPrompt})
	}
	for _, message := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(string(message.Role)))
		switch role {
		case string(RoleSystem), string(RoleUser), string(RoleAssistant):
			messages = append(messages, openAIMessage{Role: role, Content: message.Content})
		}
	}
	return messages
}

func parseOpenAIAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope openAIErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && strings.TrimSpace(envelope.Error.Message) != "" {
		return fmt.Errorf("completion api status %d: %s", resp.StatusCode, envelope.Error.Message)
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("completion api status %d: %s", resp.StatusCode, message)
}
