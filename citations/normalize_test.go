package citations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeJSONBareArrayDedupesByDomain(t *testing.T) {
	payload := `[{"url":"https://a.com/x","title":"A"},{"url":"https://www.a.com/y","title":"A2"}]`

	sources := NormalizeJSON([]byte(payload), 0)
	require.Len(t, sources, 1, "www duplicate must be dropped")
	assert.Equal(t, "a.com", sources[0].Domain)
	assert.Equal(t, "A", sources[0].Title, "first occurrence wins")
	assert.Equal(t, "https://a.com/x", sources[0].URL)
}

func TestNormalizeJSONSourcesWrapper(t *testing.T) {
	payload := `{"sources":[{"url":"https://b.com","title":"B"}]}`

	sources := NormalizeJSON([]byte(payload), 0)
	require.Len(t, sources, 1)
	assert.Equal(t, "b.com", sources[0].Domain)
	assert.Equal(t, "B", sources[0].Title)
}

func TestNormalizeJSONResultDataWrapper(t *testing.T) {
	payload := `{"result":{"data":[{"url":"https://c.com","title":"C"}]}}`

	sources := NormalizeJSON([]byte(payload), 0)
	require.Len(t, sources, 1)
	assert.Equal(t, "c.com", sources[0].Domain)
}

func TestNormalizeJSONDoublyNestedResultWrapper(t *testing.T) {
	payload := `{"result":{"result":{"data":[{"url":"https://nested.example.org","title":"N"}]}}}`

	sources := NormalizeJSON([]byte(payload), 0)
	require.Len(t, sources, 1)
	assert.Equal(t, "nested.example.org", sources[0].Domain)
}

func TestNormalizeJSONDataWrapper(t *testing.T) {
	payload := `{"data":[{"url":"https://d.example.com","title":"D"}]}`

	sources := NormalizeJSON([]byte(payload), 0)
	require.Len(t, sources, 1)
	assert.Equal(t, "d.example.com", sources[0].Domain)
}

func TestNormalizeDelimitedText(t *testing.T) {
	blob := "URL: https://d.com\nTitle: D\nDescription: desc\n\n\nURL: https://e.com\nTitle: E"

	sources := Normalize(blob, 0)
	require.Len(t, sources, 2)
	assert.Equal(t, "d.com", sources[0].Domain)
	assert.Equal(t, "desc", sources[0].Description)
	assert.Equal(t, "e.com", sources[1].Domain)
	assert.Equal(t, "E", sources[1].Title)
}

func TestNormalizeIntegerKeyedObject(t *testing.T) {
	payload := `{"0":{"url":"https://f.com","title":"F"},"1":null}`

	sources := NormalizeJSON([]byte(payload), 0)
	require.Len(t, sources, 1, "null entry must be dropped")
	assert.Equal(t, "f.com", sources[0].Domain)
}

func TestNormalizeMalformedInputs(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"unrelated object", `{"unrelated":true}`},
		{"garbage string", `"garbage"`},
		{"not json at all", `garbage`},
		{"missing url", `[{"title":"no url"}]`},
		{"empty array", `[]`},
		{"null", `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, NormalizeJSON([]byte(tt.payload), 0))
		})
	}
}

func TestNormalizeCapsAtMax(t *testing.T) {
	payload := `[
		{"url":"https://one.com","title":"1"},
		{"url":"https://two.com","title":"2"},
		{"url":"https://three.com","title":"3"}
	]`

	sources := NormalizeJSON([]byte(payload), 2)
	require.Len(t, sources, 2)
	assert.Equal(t, "one.com", sources[0].Domain)
	assert.Equal(t, "two.com", sources[1].Domain)
}

func TestNormalizeFillsFavicon(t *testing.T) {
	sources := NormalizeJSON([]byte(`[{"url":"https://g.com/page","title":"G"}]`), 0)
	require.Len(t, sources, 1)
	assert.Equal(t, "https://www.google.com/s2/favicons?domain=g.com&sz=64", sources[0].Favicon)
}

func TestNormalizeParsesPublishedAt(t *testing.T) {
	sources := NormalizeJSON([]byte(`[{"url":"https://h.com","title":"H","published_at":"2026-03-14"}]`), 0)
	require.Len(t, sources, 1)
	require.NotNil(t, sources[0].PublishedAt)
	assert.Equal(t, 2026, sources[0].PublishedAt.Year())
}

func TestDeriveDomain(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain host", "https://example.com/path", "example.com"},
		{"www stripped", "https://www.example.com", "example.com"},
		{"uppercase host", "https://WWW.Example.COM/x", "example.com"},
		{"no scheme falls back to raw", "example.com/path", "example.com/path"},
		{"unparseable falls back to raw", "::not a url::", "::not a url::"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveDomain(tt.in))
		})
	}
}
