// Package citations converts the "sources" payloads returned by different
// search tool providers into one canonical, deduplicated citation list.
// The observed payload dialects are handled by a fixed-priority chain of
// variant parsers; unrecognized or malformed input yields an empty list,
// never an error.
package citations

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// variantParser recognizes one payload dialect: match decides whether the
// dialect applies, unwrap reduces the payload one step closer to a flat
// entry list.
type variantParser struct {
	name   string
	match  func(raw interface{}) bool
	unwrap func(raw interface{}) interface{}
}

// wrapperParsers run in fixed priority order; the first match wins. Each
// unwraps one wrapper layer, after which flatten coerces the result to a
// flat entry slice.
var wrapperParsers = []variantParser{
	{
		name:   "sources-field",
		match:  func(raw interface{}) bool { return hasField(raw, "sources") },
		unwrap: func(raw interface{}) interface{} { return fieldValue(raw, "sources") },
	},
	{
		name:   "result-data",
		match:  func(raw interface{}) bool { return dig(raw, "result", "data") != nil },
		unwrap: func(raw interface{}) interface{} { return dig(raw, "result", "data") },
	},
	{
		name:   "result-result-data",
		match:  func(raw interface{}) bool { return dig(raw, "result", "result", "data") != nil },
		unwrap: func(raw interface{}) interface{} { return dig(raw, "result", "result", "data") },
	},
	{
		name:   "data-field",
		match:  func(raw interface{}) bool { return hasField(raw, "data") },
		unwrap: func(raw interface{}) interface{} { return fieldValue(raw, "data") },
	},
}

// Normalize converts any of the observed "sources" payload shapes into a
// canonical Source list, deduplicated by derived domain (first occurrence
// wins) and truncated to max entries. max <= 0 means no truncation.
func Normalize(raw interface{}, max int) []Source {
	entries := flatten(unwrapOnce(raw))

	sources := make([]Source, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		source, ok := toSource(entry)
		if !ok {
			continue
		}
		if _, dup := seen[source.Domain]; dup {
			continue
		}
		seen[source.Domain] = struct{}{}
		sources = append(sources, source)
		if max > 0 && len(sources) >= max {
			break
		}
	}
	return sources
}

// NormalizeJSON is Normalize over a raw JSON document. Invalid JSON is
// treated as the delimited-text dialect.
func NormalizeJSON(data []byte, max int) []Source {
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Normalize(string(data), max)
	}
	return Normalize(decoded, max)
}

// unwrapOnce strips a single recognized wrapper layer. Arrays, strings, and
// integer-keyed objects pass through untouched; flatten handles them.
func unwrapOnce(raw interface{}) interface{} {
	if _, ok := raw.(map[string]interface{}); !ok {
		return raw
	}
	for _, parser := range wrapperParsers {
		if parser.match(raw) {
			return parser.unwrap(raw)
		}
	}
	return raw
}

// flatten coerces an unwrapped payload to a flat entry slice: arrays pass
// through, strings go through the delimited-text grammar, integer-keyed
// objects are re-indexed densely. Anything else produces no entries.
func flatten(value interface{}) []interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case []interface{}:
		return v
	case string:
		return parseDelimitedText(v)
	case map[string]interface{}:
		return reindexIntegerKeyed(v)
	default:
		return nil
	}
}

func hasField(raw interface{}, key string) bool {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return false
	}
	value, present := m[key]
	return present && value != nil
}

func fieldValue(raw interface{}, key string) interface{} {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	return m[key]
}

func dig(raw interface{}, keys ...string) interface{} {
	current := raw
	for _, key := range keys {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[key]
		if current == nil {
			return nil
		}
	}
	return current
}

// parseDelimitedText handles the plain-text dialect: entries separated by a
// blank-line pair, each entry made of "URL: ", "Title: ", "Description: "
// prefixed lines. Entries with neither a URL nor a Title are discarded.
func parseDelimitedText(blob string) []interface{} {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil
	}

	entries := make([]interface{}, 0, 4)
	for _, chunk := range strings.Split(blob, "\n\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}

		entry := map[string]interface{}{}
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "URL:"):
				entry["url"] = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
			case strings.HasPrefix(line, "Title:"):
				entry["title"] = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
			case strings.HasPrefix(line, "Description:"):
				entry["description"] = strings.TrimSpace(strings.TrimPrefix(line, "Description:"))
			}
		}
		if entry["url"] == nil && entry["title"] == nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// reindexIntegerKeyed turns {"0": {...}, "1": {...}} into a dense slice.
// All keys must parse as non-negative integers; falsy slots are dropped.
func reindexIntegerKeyed(m map[string]interface{}) []interface{} {
	if len(m) == 0 {
		return nil
	}

	type indexed struct {
		pos   int
		value interface{}
	}
	items := make([]indexed, 0, len(m))
	for key, value := range m {
		pos, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || pos < 0 {
			return nil
		}
		items = append(items, indexed{pos: pos, value: value})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].pos < items[j].pos })

	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		if isFalsy(item.value) {
			continue
		}
		out = append(out, item.value)
	}
	return out
}

func isFalsy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return strings.TrimSpace(v) == ""
	case float64:
		return v == 0
	default:
		return false
	}
}

// toSource maps one raw entry into a canonical Source. Entries without a
// non-empty url are dropped.
func toSource(entry interface{}) (Source, bool) {
	m, ok := entry.(map[string]interface{})
	if !ok {
		return Source{}, false
	}

	rawURL := stringField(m, "url")
	if rawURL == "" {
		return Source{}, false
	}

	domain := DeriveDomain(rawURL)
	source := Source{
		URL:         rawURL,
		Title:       stringField(m, "title"),
		Description: stringField(m, "description"),
		Domain:      domain,
		Favicon:     faviconFor(domain),
	}
	for _, key := range []string{"published_at", "publishedAt", "date"} {
		if raw := stringField(m, key); raw != "" {
			source.PublishedAt = parsePublishedAt(raw)
			break
		}
	}
	return source, true
}

func stringField(m map[string]interface{}, key string) string {
	value, ok := m[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
