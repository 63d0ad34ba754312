package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading whitespace", "  \n```json\n{\"a\":1}\n```\n", `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripFences(tt.input))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Labs []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"labs"`
	}

	err := DecodeJSON("```json\n{\"labs\":[{\"name\":\"Na\",\"value\":\"140\"}]}\n```", &out)
	require.NoError(t, err)
	require.Len(t, out.Labs, 1)
	assert.Equal(t, "Na", out.Labs[0].Name)
}

func TestDecodeJSONMalformed(t *testing.T) {
	var out map[string]any
	err := DecodeJSON(`{"labs": [`, &out)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidResponse, errs.CodeOf(err))
	assert.True(t, errs.IsTransient(err))
}
