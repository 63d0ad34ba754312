package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/extraction"
	"github.com/XiaoConstantine/labloop/pkg/llm"
	"github.com/XiaoConstantine/labloop/pkg/logging"
	"github.com/XiaoConstantine/labloop/pkg/playbook"
)

// Reflector analyzes one round's extraction and produces insights. When the
// note carries a structured reference the judgment is supervised; otherwise
// implementations must fall back to self-consistency signals. Reflectors
// never mutate the playbook.
type Reflector interface {
	Reflect(ctx context.Context, note extraction.Note, result *extraction.ExtractionResult, contextBullets []playbook.Bullet) ([]Insight, error)
}

const reflectSystemPrompt = `You are reviewing lab extraction quality. Analyze what was done well and what could be improved.

REVIEW GUIDELINES:
- Check if all labs mentioned in the note were captured
- Verify correct identification of most recent values
- Look for missed labs in tables, narrative text, or headers
- Credit or blame the playbook strategies (by their bullet id) that guided this extraction
- Identify new strategies that would improve future extractions
- If ground truth is provided, compare against it; otherwise judge internal consistency
- Return ONLY valid JSON with no additional text or markdown formatting`

// maxNoteExcerpt bounds how much of the note is replayed to the reflector.
const maxNoteExcerpt = 1500

// Config tunes the LLM reflector's inference calls.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	ParseRetries int
}

// DefaultConfig returns the reflector defaults. Reflection runs slightly
// hotter than extraction so critiques vary.
func DefaultConfig() Config {
	return Config{
		MaxTokens:    8000,
		Temperature:  0.3,
		ParseRetries: 3,
	}
}

// LLMReflector delegates the quality judgment to the inference service.
type LLMReflector struct {
	svc llm.Service
	cfg Config
}

// NewLLMReflector creates a reflector over the given inference service.
func NewLLMReflector(svc llm.Service, cfg Config) *LLMReflector {
	if cfg.ParseRetries <= 0 {
		cfg.ParseRetries = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8000
	}
	return &LLMReflector{svc: svc, cfg: cfg}
}

// Reflect implements the Reflector interface.
func (r *LLMReflector) Reflect(ctx context.Context, note extraction.Note, result *extraction.ExtractionResult, contextBullets []playbook.Bullet) ([]Insight, error) {
	logger := logging.GetLogger()

	prompt, err := buildReflectPrompt(note, result, contextBullets)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Insights []Insight `json:"insights"`
	}
	if err := r.completeJSON(ctx, prompt, &payload); err != nil {
		return nil, err
	}

	insights := sanitizeInsights(ctx, payload.Insights, contextBullets)
	logger.Debug(ctx, "reflector produced %d insights for note %s", len(insights), note.ID)
	return insights, nil
}

func buildReflectPrompt(note extraction.Note, result *extraction.ExtractionResult, contextBullets []playbook.Bullet) (string, error) {
	excerpt := note.Text
	if len(excerpt) > maxNoteExcerpt {
		cut := maxNoteExcerpt
		// Back off to a rune boundary so the excerpt stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut] + "..."
	}

	resultJSON, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", errs.Wrap(err, errs.Unknown, "failed to encode extraction result")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ORIGINAL NOTE (excerpt):\n%s\n\n", excerpt)
	fmt.Fprintf(&sb, "EXTRACTION RESULTS:\n%s\n", resultJSON)

	if len(contextBullets) > 0 {
		sb.WriteString("\nPLAYBOOK STRATEGIES USED (reference these by bullet id):\n")
		for _, b := range contextBullets {
			fmt.Fprintf(&sb, "[%s] (%s) %s\n", b.ID, b.Category, b.Text)
		}
	}

	if note.Reference != nil {
		refJSON, err := json.MarshalIndent(note.Reference, "", "  ")
		if err != nil {
			return "", errs.Wrap(err, errs.Unknown, "failed to encode reference labs")
		}
		fmt.Fprintf(&sb, "\nGROUND TRUTH (expected labs):\n%s\n", refJSON)
	} else {
		sb.WriteString("\nNo ground truth is available. Judge the extraction on internal consistency: contradictory dates, duplicate tests with unexplained value changes, and unresolved ambiguous cases.\n")
	}

	sb.WriteString(`
Analyze the extraction quality. Return JSON in this format:
{
    "insights": [
        {
            "kind": "success or failure",
            "related_bullet_ids": ["existing bullet ids this judgment reinforces or contradicts"],
            "proposed_text": "a new reusable strategy statement, only when no existing bullet covers it",
            "category": "concern this belongs to (e.g., 'extraction', 'date disambiguation', 'unit normalization')"
        }
    ]
}

Return ONLY the JSON, no other text.`)

	return sb.String(), nil
}

// sanitizeInsights drops structurally invalid insights and references to
// bullets that were not in context, so the curator never builds deltas
// against IDs the model invented.
func sanitizeInsights(ctx context.Context, insights []Insight, contextBullets []playbook.Bullet) []Insight {
	logger := logging.GetLogger()

	known := make(map[string]bool, len(contextBullets))
	for _, b := range contextBullets {
		known[b.ID] = true
	}

	kept := make([]Insight, 0, len(insights))
	for _, in := range insights {
		if in.Kind != KindSuccess && in.Kind != KindFailure {
			logger.Warn(ctx, "dropping insight with unknown kind %q", in.Kind)
			continue
		}

		var ids []string
		for _, id := range in.RelatedBulletIDs {
			if known[id] {
				ids = append(ids, id)
			} else {
				logger.Warn(ctx, "dropping reference to unknown bullet %q", id)
			}
		}
		in.RelatedBulletIDs = ids

		if len(in.RelatedBulletIDs) == 0 && strings.TrimSpace(in.ProposedText) == "" {
			continue
		}
		if in.Proposal() && in.Category == "" {
			in.Category = "general"
		}
		kept = append(kept, in)
	}
	return kept
}

func (r *LLMReflector) completeJSON(ctx context.Context, prompt string, v any) error {
	logger := logging.GetLogger()

	userPrompt := prompt
	var lastErr error

	for attempt := 0; attempt < r.cfg.ParseRetries; attempt++ {
		if err := errs.CheckContext(ctx, "reflection"); err != nil {
			return err
		}

		resp, err := r.svc.Complete(ctx, llm.Request{
			System:      reflectSystemPrompt,
			Prompt:      userPrompt,
			Model:       r.cfg.Model,
			MaxTokens:   r.cfg.MaxTokens,
			Temperature: r.cfg.Temperature,
		})
		if err != nil {
			return err
		}

		if parseErr := llm.DecodeJSON(resp.Completion, v); parseErr != nil {
			lastErr = parseErr
			logger.Warn(ctx, "JSON parsing failed (attempt %d/%d): %v", attempt+1, r.cfg.ParseRetries, parseErr)
			userPrompt = fmt.Sprintf("The previous response had a JSON formatting error: %v\n\nPrevious response:\n%s\n\nProvide a corrected response with ONLY valid JSON.\n\n%s",
				parseErr, resp.Completion, prompt)
			continue
		}
		return nil
	}

	return errs.WithFields(
		errs.Wrap(lastErr, errs.InvalidResponse, "failed to parse reflection after retries"),
		errs.Fields{"max_retries": r.cfg.ParseRetries})
}
