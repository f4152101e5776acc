package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// IndexStore wraps the remote knowledge-index service: create an index,
// attach a document, query by text. Create is safe to retry.
type IndexStore interface {
	Create(ctx context.Context, name string) (string, error)
	Upload(ctx context.Context, indexID string, file io.Reader, filename string) error
	Query(ctx context.Context, indexID string, queryText string) ([]Excerpt, error)
}

type httpIndexStore struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	queryLimit int
}

// NewHTTPIndexStoreFromEnv constructs the index-service client.
//
// Expected variables:
//   - INDEX_BASE_URL: required service endpoint
//   - INDEX_API_KEY: optional bearer token
//   - INDEX_QUERY_LIMIT: optional hit count per query (defaults to 5)
//   - INDEX_TIMEOUT_SECONDS: optional per-call timeout (defaults to 8)
func NewHTTPIndexStoreFromEnv() (IndexStore, error) {
	baseURL := strings.TrimSpace(os.Getenv("INDEX_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("retrieval: INDEX_BASE_URL environment variable is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("retrieval: invalid index base URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("retrieval: parse index base URL: %w", err)
	}

	queryLimit := 5
	if raw := strings.TrimSpace(os.Getenv("INDEX_QUERY_LIMIT")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			queryLimit = parsed
		}
	}

	timeout := 8 * time.Second
	if raw := strings.TrimSpace(os.Getenv("INDEX_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}

	return &httpIndexStore{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("INDEX_API_KEY")),
		queryLimit: queryLimit,
	}, nil
}

func (s *httpIndexStore) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}

func (s *httpIndexStore) Create(ctx context.Context, name string) (string, error) {
	if s == nil {
		return "", errors.New("retrieval: index store is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("retrieval: index name cannot be empty")
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(map[string]interface{}{"name": name}); err != nil {
		return "", fmt.Errorf("retrieval: encode create payload: %w", err)
	}

	endpoint := s.baseURL + "/indexes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("retrieval: create index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("retrieval: create index request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("retrieval: create index status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("retrieval: decode create response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return "", errors.New("retrieval: index service returned an empty id")
	}
	return strings.TrimSpace(decoded.ID), nil
}

func (s *httpIndexStore) Upload(ctx context.Context, indexID string, file io.Reader, filename string) error {
	if s == nil {
		return errors.New("retrieval: index store is not configured")
	}
	indexID = strings.TrimSpace(indexID)
	if indexID == "" {
		return errors.New("retrieval: index id cannot be empty")
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "document"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("retrieval: build upload form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("retrieval: read upload body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("retrieval: finalize upload form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/indexes/%s/documents", s.baseURL, url.PathEscape(indexID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("retrieval: create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("retrieval: upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("retrieval: upload status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (s *httpIndexStore) Query(ctx context.Context, indexID string, queryText string) ([]Excerpt, error) {
	if s == nil {
		return nil, errors.New("retrieval: index store is not configured")
	}
	indexID = strings.TrimSpace(indexID)
	if indexID == "" {
		return nil, errors.New("retrieval: index id cannot be empty")
	}
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, nil
	}

	payload := map[string]interface{}{
		"query": queryText,
		"limit": s.queryLimit,
	}
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("retrieval: encode query payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/indexes/%s/query", s.baseURL, url.PathEscape(indexID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("retrieval: create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: query request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("retrieval: query status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		Results []struct {
			Text   string  `json:"text"`
			Source string  `json:"source"`
			Score  float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("retrieval: decode query response: %w", err)
	}

	excerpts := make([]Excerpt, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		excerpts = append(excerpts, Excerpt{
			Text:      text,
			SourceRef: strings.TrimSpace(item.Source),
			Score:     item.Score,
		})
	}

	return excerpts, nil
}
