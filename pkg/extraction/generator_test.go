package extraction

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/llm"
)

// scriptedService returns canned completions in order, recording prompts.
type scriptedService struct {
	completions []string
	prompts     []llm.Request
	err         error
}

func (s *scriptedService) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.prompts = append(s.prompts, req)
	if s.err != nil {
		return nil, s.err
	}
	idx := len(s.prompts) - 1
	if idx >= len(s.completions) {
		idx = len(s.completions) - 1
	}
	return &llm.Response{Completion: s.completions[idx]}, nil
}

const extractCompletion = `{"labs":[
	{"name":"Na","value":"140","unit":"mEq/L","date":"2024-03-01","context":"admission labs"},
	{"name":"Na","value":"138","unit":"mEq/L","date":"2024-03-03","context":"repeat"}
]}`

const identifyCompletion = `{"most_recent_labs":[
	{"name":"Na","value":"138","unit":"mEq/L","date":"2024-03-03","reasoning":"later collection date"}
],"ambiguous_cases":[]}`

func TestExtractTwoStages(t *testing.T) {
	svc := &scriptedService{completions: []string{extractCompletion, identifyCompletion}}
	gen := New(svc, DefaultConfig())

	result, err := gen.Extract(context.Background(), "Na 140 on 3/1, repeat 138 on 3/3", nil)
	require.NoError(t, err)

	require.Len(t, result.Labs, 2)
	assert.Equal(t, "140", result.Labs[0].Value)

	require.Len(t, result.MostRecent, 1)
	assert.Equal(t, "138", result.MostRecent[0].Value)
	assert.Empty(t, result.Ambiguous)

	// Stage two receives the stage-one output, not the raw note.
	require.Len(t, svc.prompts, 2)
	assert.Contains(t, svc.prompts[0].Prompt, "CLINICAL NOTE")
	assert.Contains(t, svc.prompts[1].Prompt, "EXTRACTED LAB VALUES")
}

func TestExtractInjectsPlaybookContext(t *testing.T) {
	svc := &scriptedService{completions: []string{extractCompletion, identifyCompletion}}
	gen := New(svc, DefaultConfig())

	bullets := []string{"Always anchor lab values to their explicit collection date, not the note date"}
	_, err := gen.Extract(context.Background(), "Na 140", bullets)
	require.NoError(t, err)

	assert.Contains(t, svc.prompts[0].Prompt, bullets[0])
	assert.Contains(t, svc.prompts[1].Prompt, bullets[0])
}

func TestExtractEmptyPlaybookAnnouncesFirstCase(t *testing.T) {
	svc := &scriptedService{completions: []string{extractCompletion, identifyCompletion}}
	gen := New(svc, DefaultConfig())

	_, err := gen.Extract(context.Background(), "Na 140", nil)
	require.NoError(t, err)
	assert.Contains(t, svc.prompts[0].Prompt, "No strategies learned yet")
}

func TestExtractRetriesMalformedJSON(t *testing.T) {
	svc := &scriptedService{completions: []string{
		`{"labs": [`, // malformed
		extractCompletion,
		identifyCompletion,
	}}
	gen := New(svc, DefaultConfig())

	result, err := gen.Extract(context.Background(), "Na 140", nil)
	require.NoError(t, err)
	assert.Len(t, result.Labs, 2)

	// The retry prompt carries the parse error back to the model.
	require.Len(t, svc.prompts, 3)
	assert.Contains(t, svc.prompts[1].Prompt, "JSON formatting error")
}

func TestExtractExhaustsParseRetries(t *testing.T) {
	svc := &scriptedService{completions: []string{`not json at all`}}
	cfg := DefaultConfig()
	cfg.ParseRetries = 2
	gen := New(svc, cfg)

	_, err := gen.Extract(context.Background(), "Na 140", nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidResponse, errs.CodeOf(err))
	assert.Len(t, svc.prompts, 2)
}

func TestExtractRejectsInvalidPayload(t *testing.T) {
	// Valid JSON, but lab entries without name/value violate the contract
	// and trigger the same feedback loop.
	svc := &scriptedService{completions: []string{`{"labs":[{"unit":"mEq/L"}]}`}}
	cfg := DefaultConfig()
	cfg.ParseRetries = 1
	gen := New(svc, cfg)

	_, err := gen.Extract(context.Background(), "Na 140", nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidResponse, errs.CodeOf(err))
}

func TestExtractEmptyNote(t *testing.T) {
	gen := New(&scriptedService{}, DefaultConfig())
	_, err := gen.Extract(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.CodeOf(err))
}

func TestExtractPropagatesServiceFailure(t *testing.T) {
	svc := &scriptedService{err: errs.New(errs.RateLimited, "429")}
	gen := New(svc, DefaultConfig())

	_, err := gen.Extract(context.Background(), "Na 140", nil)
	require.Error(t, err)
	assert.Equal(t, errs.RateLimited, errs.CodeOf(err))
}

func TestFormatContext(t *testing.T) {
	out := FormatContext([]string{"a", "b"})
	assert.True(t, strings.HasPrefix(out, "1. a\n"))
	assert.Contains(t, out, "2. b")
}
