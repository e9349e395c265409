package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSearchableTextConcatenatesKnownFields(t *testing.T) {
	props := map[string]any{
		"title":   "Brainy",
		"content": "an embeddable vector database",
		"unused":  "ignored",
	}
	text := ExtractSearchableText(props)
	assert.Contains(t, text, "Brainy")
	assert.Contains(t, text, "an embeddable vector database")
	assert.NotContains(t, text, "ignored")
}

func TestNewSenseHandlerAcceptsStringAndMap(t *testing.T) {
	h := NewSenseHandler(1000)

	res := h.Execute(context.Background(), "hello world", nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"hello world"}, res.Data)

	res = h.Execute(context.Background(), map[string]any{"title": "hello"}, nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"hello"}, res.Data)
}

func TestNewSenseHandlerRejectsUnsupportedInput(t *testing.T) {
	h := NewSenseHandler(1000)
	res := h.Execute(context.Background(), 42, nil)
	assert.False(t, res.Success)
}
