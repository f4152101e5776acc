package citations

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// faviconTemplate is a fixed external favicon service keyed by hostname.
// Broken favicons degrade in the UI; no error path matters here.
const faviconTemplate = "https://www.google.com/s2/favicons?domain=%s&sz=64"

// Source is the canonical citation record shown to the end user. A record
// without a url is not a valid Source.
type Source struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Domain      string     `json:"domain"`
	Favicon     string     `json:"favicon,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// DeriveDomain extracts the hostname from rawURL and strips a leading
// "www.". When no hostname can be extracted the raw url string is returned,
// so the caller always has a dedup key.
func DeriveDomain(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ""
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Hostname() == "" {
		return trimmed
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func faviconFor(domain string) string {
	if domain == "" {
		return ""
	}
	return fmt.Sprintf(faviconTemplate, url.QueryEscape(domain))
}

var publishedAtLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parsePublishedAt(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range publishedAtLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return &parsed
		}
	}
	return nil
}
