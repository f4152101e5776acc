package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openai.qiniu.com/v1"
	defaultModelID = "gpt-oss-120b"
)

// Client wraps the HTTP calls to an OpenAI-compatible chat completions API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Expected variables:
//   - LLM_API_KEY: required API key for the provider
//   - LLM_BASE_URL: optional override for the API base URL
//   - LLM_MODEL_ID: optional override for the target model
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("chat: LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("chat: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
	}, nil
}

// Message is a single turn in a chat conversation payload.
type Message struct {
	Role    string
	Content string
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []wireMessage `json:"messages"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// completionResponse captures the subset of fields we consume. Search-backed
// providers attach raw source payloads either at the top level or on the
// message; the shapes vary wildly, so both stay undecoded for the citation
// normalizer.
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string          `json:"content"`
			Sources json.RawMessage `json:"sources,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage   *completionUsage `json:"usage"`
	Sources json.RawMessage  `json:"sources,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage   *completionUsage `json:"usage"`
	Sources json.RawMessage  `json:"sources,omitempty"`
}

// Usage captures token accounting returned by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the assistant reply and its metadata for one completion.
// RawSources, when present, is whatever the provider's search tooling
// returned and goes straight to citations.NormalizeJSON.
type Result struct {
	Content    string
	Usage      *Usage
	RawSources json.RawMessage
}

// StreamDelta is one increment of a streamed completion.
type StreamDelta struct {
	Content      string
	FullContent  string
	FinishReason string
	Done         bool
}

func (c *Client) buildRequest(messages []Message, stream bool) (*completionRequest, error) {
	if len(messages) == 0 {
		return nil, errors.New("chat: messages cannot be empty")
	}

	payload := &completionRequest{
		Model:    c.modelID,
		Stream:   stream,
		Messages: make([]wireMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, wireMessage{Role: role, Content: content})
	}
	if len(payload.Messages) == 0 {
		return nil, errors.New("chat: messages contain no content")
	}
	return payload, nil
}

func (c *Client) send(ctx context.Context, payload *completionRequest, streaming bool) (*http.Response, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("chat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat: execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("chat: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// Complete sends the provided messages and returns the first assistant
// reply with usage metrics and any raw source payload.
func (c *Client) Complete(ctx context.Context, messages []Message) (Result, error) {
	if c == nil {
		return Result{}, errors.New("chat: client is nil")
	}
	payload, err := c.buildRequest(messages, false)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.send(ctx, payload, false)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("chat: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, errors.New("chat: response contains no choices")
	}

	return Result{
		Content:    strings.TrimSpace(decoded.Choices[0].Message.Content),
		Usage:      convertUsage(decoded.Usage),
		RawSources: pickRawSources(decoded.Sources, decoded.Choices[0].Message.Sources),
	}, nil
}

// CompleteStream sends the messages with streaming enabled and invokes
// handler for each delta. The aggregate result is returned once the stream
// finishes.
func (c *Client) CompleteStream(ctx context.Context, messages []Message, handler func(StreamDelta) error) (Result, error) {
	if c == nil {
		return Result{}, errors.New("chat: client is nil")
	}
	payload, err := c.buildRequest(messages, true)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.send(ctx, payload, true)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	emit := func(delta StreamDelta) error {
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	// Some providers ignore the stream flag and answer with plain JSON.
	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		var decoded completionResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return Result{}, fmt.Errorf("chat: decode response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return Result{}, errors.New("chat: response contains no choices")
		}
		full := strings.TrimSpace(decoded.Choices[0].Message.Content)
		if full != "" {
			if err := emit(StreamDelta{Content: full, FullContent: full}); err != nil {
				return Result{}, err
			}
		}
		if err := emit(StreamDelta{FullContent: full, Done: true}); err != nil {
			return Result{}, err
		}
		return Result{
			Content:    full,
			Usage:      convertUsage(decoded.Usage),
			RawSources: pickRawSources(decoded.Sources, decoded.Choices[0].Message.Sources),
		}, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var builder strings.Builder
	var usage *completionUsage
	var rawSources json.RawMessage

	finish := func() (Result, error) {
		if err := emit(StreamDelta{FullContent: builder.String(), Done: true}); err != nil {
			return Result{}, err
		}
		return Result{
			Content:    builder.String(),
			Usage:      convertUsage(usage),
			RawSources: rawSources,
		}, nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return finish()
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Sources) > 0 {
			rawSources = chunk.Sources
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				builder.WriteString(choice.Delta.Content)
			}
			if choice.Delta.Content != "" || choice.FinishReason != "" {
				if err := emit(StreamDelta{
					Content:      choice.Delta.Content,
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return Result{}, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("chat: read stream: %w", err)
	}

	return finish()
}

func convertUsage(raw *completionUsage) *Usage {
	if raw == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
}

func pickRawSources(top, message json.RawMessage) json.RawMessage {
	if len(top) > 0 {
		return top
	}
	return message
}
