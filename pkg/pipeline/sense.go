package pipeline

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// SearchableFields names the input fields the default SENSE handler
// concatenates into one text blob for downstream embedding and indexing.
var SearchableFields = []string{
	"content",
	"text",
	"title",
	"name",
	"description",
}

// ExtractSearchableText concatenates every present SearchableFields value
// out of a noun's raw properties, space-separated, for a single embeddable
// string.
func ExtractSearchableText(properties map[string]any) string {
	var parts []string
	for _, field := range SearchableFields {
		val, ok := properties[field]
		if !ok {
			continue
		}
		if str, ok := val.(string); ok && len(str) > 0 {
			parts = append(parts, str)
		}
	}
	return strings.Join(parts, " ")
}

// Tokenize splits text into lowercase alphanumeric tokens, for the SENSE
// stage's raw-data decoding step ahead of embedding or full-text indexing.
func Tokenize(text string) []string {
	text = strings.ToLower(text)

	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// SanitizeText replaces control characters with a space and surrogate-pair
// remnants with U+FFFD, since either would otherwise corrupt a noun's stored
// text or its tokenization.
func SanitizeText(text string) string {
	if len(text) == 0 {
		return text
	}

	var out strings.Builder
	out.Grow(len(text))
	for _, r := range text {
		switch {
		case (r >= 0x00 && r <= 0x08) || r == 0x0B || (r >= 0x0E && r <= 0x1F):
			out.WriteRune(' ')
		case r >= 0xD800 && r <= 0xDFFF:
			out.WriteRune('�')
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// Chunk splits sanitized text into at-most-size-rune chunks, breaking on
// whitespace where possible so a chunk boundary doesn't split a word. Used
// by the default SENSE handler for inputs too long to embed in one call.
func Chunk(text string, size int) []string {
	if size <= 0 {
		return []string{text}
	}
	runes := []rune(SanitizeText(text))
	if len(runes) <= size {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		breakAt := end
		for breakAt > start && !unicode.IsSpace(runes[breakAt]) {
			breakAt--
		}
		if breakAt == start {
			breakAt = end // no whitespace found; hard break
		}
		chunks = append(chunks, string(runes[start:breakAt]))
		start = breakAt
	}
	return chunks
}

// NewSenseHandler builds a default SENSE-stage augmentation: it expects
// input to be either a plain string or a map[string]any of noun
// properties, sanitizes and chunks the extracted text, and forwards the
// resulting []string of chunks to the next stage.
func NewSenseHandler(chunkSize int) Handler {
	return HandlerFunc(func(_ context.Context, input any, _ map[string]any) Result {
		var raw string
		switch v := input.(type) {
		case string:
			raw = v
		case map[string]any:
			raw = ExtractSearchableText(v)
		default:
			return Result{Success: false, Error: errInvalidSenseInput}
		}

		chunks := Chunk(raw, chunkSize)
		return Result{Success: true, Data: chunks}
	})
}

var errInvalidSenseInput = errors.New("pipeline: sense stage expects a string or map[string]any")
