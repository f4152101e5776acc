// Package vision asks an image-reasoning endpoint about attached images.
// Failures are reported as an explicit marker on the answer, never as an
// error: the chat turn decides whether to tell the user or stay silent.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultModelID = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// Client wraps the HTTP calls to an OpenAI-compatible multimodal endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

// NewClientFromEnv constructs a Client using environment variables.
//
// VISION_API_KEY, VISION_BASE_URL, and VISION_MODEL_ID take precedence;
// VISION_API_KEY and VISION_BASE_URL fall back to the LLM_* equivalents so
// a single provider can serve both paths.
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("VISION_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("vision: VISION_API_KEY or LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("VISION_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	if baseURL == "" {
		return nil, errors.New("vision: VISION_BASE_URL or LLM_BASE_URL environment variable is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("vision: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("VISION_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
	}, nil
}

// AskOptions tunes a single vision request.
type AskOptions struct {
	// Detail is the provider's image-detail hint ("low", "high", "auto").
	Detail string
	// MaxTokens caps the answer length; 0 uses the provider default.
	MaxTokens int
}

// Answer is the outcome of one vision request. Failed distinguishes an
// endpoint failure from a successful call that produced no text.
type Answer struct {
	Text   string
	Failed bool
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type visionRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Messages  []visionMessage `json:"messages"`
}

type visionMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type visionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Ask sends the question plus image URLs to the vision endpoint and returns
// the formatted answer. Callers only invoke this with at least one image;
// every failure is logged and reported through Answer.Failed.
func (c *Client) Ask(ctx context.Context, question string, imageURLs []string, opts AskOptions) Answer {
	if c == nil {
		return Answer{Failed: true}
	}

	urls := make([]string, 0, len(imageURLs))
	for _, raw := range imageURLs {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	if len(urls) == 0 {
		log.Printf("vision: ask called without image urls")
		return Answer{Failed: true}
	}

	question = strings.TrimSpace(question)
	if question == "" {
		question = "Describe the attached images."
	}

	parts := make([]contentPart, 0, len(urls)+1)
	parts = append(parts, contentPart{Type: "text", Text: question})
	for _, u := range urls {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageRef{URL: u, Detail: opts.Detail},
		})
	}

	payload := visionRequest{
		Model:     c.modelID,
		MaxTokens: opts.MaxTokens,
		Messages:  []visionMessage{{Role: "user", Content: parts}},
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		log.Printf("vision: encode request: %v", err)
		return Answer{Failed: true}
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		log.Printf("vision: create request: %v", err)
		return Answer{Failed: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("vision: execute request: %v", err)
		return Answer{Failed: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		log.Printf("vision: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		return Answer{Failed: true}
	}

	var decoded visionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		log.Printf("vision: decode response: %v", err)
		return Answer{Failed: true}
	}
	if len(decoded.Choices) == 0 {
		log.Printf("vision: response contains no choices")
		return Answer{Failed: true}
	}

	return Answer{Text: strings.TrimSpace(decoded.Choices[0].Message.Content)}
}
