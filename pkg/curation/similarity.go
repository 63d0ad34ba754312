// Package curation implements the curator stage: distilling reflector
// insights into playbook delta ops with deduplication and growth control.
package curation

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/llm"
	"github.com/XiaoConstantine/labloop/pkg/logging"
)

// SimilarityJudge scores how close two strategy statements are, in [0, 1].
// The curator treats scores at or above its threshold as near-duplicates.
// Injected so dedup is testable with a deterministic stub.
type SimilarityJudge interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// normalize converts text to a canonical form for comparison: NFKC
// normalization, case folding, whitespace collapse. A Caser is not safe for
// concurrent use, so each call gets its own.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// tokenize splits normalized text into word tokens.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	var word strings.Builder
	for _, r := range normalize(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			tokens[word.String()] = true
			word.Reset()
		}
	}
	if word.Len() > 0 {
		tokens[word.String()] = true
	}
	return tokens
}

// jaccardSimilarity computes the Jaccard index between two token sets.
func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}

// LexicalJudge scores similarity with a token-set Jaccard index. No network
// calls; used standalone or as the fallback behind LLMJudge.
type LexicalJudge struct{}

// Score implements the SimilarityJudge interface.
func (LexicalJudge) Score(_ context.Context, a, b string) (float64, error) {
	return jaccardSimilarity(tokenize(a), tokenize(b)), nil
}

const similaritySystemPrompt = `You judge whether two clinical lab extraction strategies express the same advice.
Score 1.0 for semantically identical advice, 0.0 for unrelated advice.
Return ONLY valid JSON: {"similarity": <number between 0 and 1>}`

// LLMJudge delegates the similarity judgment to the inference service and
// falls back to the lexical heuristic when the call fails.
type LLMJudge struct {
	svc      llm.Service
	model    string
	fallback LexicalJudge
}

// NewLLMJudge creates a delegated judge.
func NewLLMJudge(svc llm.Service, model string) *LLMJudge {
	return &LLMJudge{svc: svc, model: model}
}

// Score implements the SimilarityJudge interface.
func (j *LLMJudge) Score(ctx context.Context, a, b string) (float64, error) {
	logger := logging.GetLogger()

	resp, err := j.svc.Complete(ctx, llm.Request{
		System:      similaritySystemPrompt,
		Prompt:      "STRATEGY A:\n" + a + "\n\nSTRATEGY B:\n" + b,
		Model:       j.model,
		MaxTokens:   64,
		Temperature: 0,
	})
	if err != nil {
		if errs.IsTransient(err) {
			logger.Warn(ctx, "similarity judgment failed, falling back to lexical heuristic: %v", err)
			return j.fallback.Score(ctx, a, b)
		}
		return 0, err
	}

	var payload struct {
		Similarity float64 `json:"similarity"`
	}
	if err := llm.DecodeJSON(resp.Completion, &payload); err != nil {
		logger.Warn(ctx, "malformed similarity judgment, falling back to lexical heuristic: %v", err)
		return j.fallback.Score(ctx, a, b)
	}

	if payload.Similarity < 0 || payload.Similarity > 1 {
		logger.Warn(ctx, "similarity score %.2f out of range, falling back to lexical heuristic", payload.Similarity)
		return j.fallback.Score(ctx, a, b)
	}
	return payload.Similarity, nil
}
