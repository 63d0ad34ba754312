package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/llm"
	"github.com/XiaoConstantine/labloop/pkg/logging"
)

const extractSystemPrompt = `You are a clinical lab extraction specialist. Extract lab values from clinical notes with high accuracy.

EXTRACTION GUIDELINES:
- Extract ALL lab values mentioned anywhere in the note
- For each lab, capture: name, value, unit, and date (if available)
- If multiple values for the same lab, extract ALL of them with their dates
- Common lab abbreviations: WBC (white blood cells), Hgb (hemoglobin), Plt (platelets), Na (sodium), K (potassium), Cr (creatinine), BUN (blood urea nitrogen)
- Watch for labs in: admission labs, daily labs, discharge labs, lab tables, narrative text
- Return ONLY valid JSON with no additional text or markdown formatting`

const identifySystemPrompt = `You are analyzing lab values to identify the most recent value for each unique lab test.

ANALYSIS GUIDELINES:
- Group labs by test name (e.g., all "sodium" values together)
- Identify the most recent value based on date/context
- Handle cases where dates are implicit (e.g., "admission labs" vs "discharge labs")
- If multiple values have same recency, note this ambiguity
- Return ONLY valid JSON with no additional text or markdown formatting`

// Config tunes the generator's inference calls.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	ParseRetries int // Re-prompts after a malformed JSON completion
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:    8000,
		Temperature:  0.1,
		ParseRetries: 3,
	}
}

// Generator extracts structured lab values from a note. It keeps no state
// between calls; all variability comes from the inference service.
type Generator struct {
	svc      llm.Service
	cfg      Config
	validate *validator.Validate
}

// New creates a generator over the given inference service.
func New(svc llm.Service, cfg Config) *Generator {
	if cfg.ParseRetries <= 0 {
		cfg.ParseRetries = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8000
	}
	return &Generator{
		svc:      svc,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// FormatContext renders playbook guidance for prompt injection. An empty
// playbook announces itself so the model does not hallucinate strategies.
func FormatContext(bullets []string) string {
	if len(bullets) == 0 {
		return "No strategies learned yet. This is your first case."
	}
	var sb strings.Builder
	for i, b := range bullets {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, b)
	}
	return sb.String()
}

// Extract runs the two extraction stages against the note: pull every lab
// mention, then identify the most recent value per test. The context bullets
// are injected as guidance only; the generator never inspects the playbook's
// structure.
func (g *Generator) Extract(ctx context.Context, noteText string, contextBullets []string) (*ExtractionResult, error) {
	if strings.TrimSpace(noteText) == "" {
		return nil, errs.New(errs.InvalidInput, "note text is empty")
	}

	logger := logging.GetLogger()

	var labs struct {
		Labs []LabValue `json:"labs" validate:"dive"`
	}
	extractPrompt := fmt.Sprintf(`PLAYBOOK (strategies learned from previous extractions):
%s

CLINICAL NOTE:
%s

Extract all lab values mentioned in this note. Return JSON in this exact format:
{
    "labs": [
        {
            "name": "lab name",
            "value": "numeric value",
            "unit": "unit of measurement",
            "date": "date if mentioned (YYYY-MM-DD format, or 'not specified')",
            "context": "where found (e.g., 'admission labs', 'day 2', 'discharge labs')"
        }
    ]
}

Return ONLY the JSON, no other text.`, FormatContext(contextBullets), noteText)

	if err := g.completeJSON(ctx, extractSystemPrompt, extractPrompt, &labs); err != nil {
		return nil, err
	}
	logger.Debug(ctx, "extracted %d lab values", len(labs.Labs))

	extractedJSON, err := json.MarshalIndent(labs, "", "  ")
	if err != nil {
		return nil, errs.Wrap(err, errs.Unknown, "failed to encode extracted labs")
	}

	var recent struct {
		MostRecentLabs []MostRecentLab `json:"most_recent_labs" validate:"dive"`
		AmbiguousCases []AmbiguousCase `json:"ambiguous_cases" validate:"dive"`
	}
	identifyPrompt := fmt.Sprintf(`PLAYBOOK (validation strategies learned):
%s

EXTRACTED LAB VALUES:
%s

Identify the most recent value for each unique lab test. Return JSON in this format:
{
    "most_recent_labs": [
        {
            "name": "lab name",
            "value": "most recent value",
            "unit": "unit",
            "date": "date or context",
            "reasoning": "why this is the most recent"
        }
    ],
    "ambiguous_cases": [
        {
            "lab_name": "lab name",
            "issue": "description of ambiguity",
            "possible_values": ["value1", "value2"]
        }
    ]
}

Return ONLY the JSON, no other text.`, FormatContext(contextBullets), extractedJSON)

	if err := g.completeJSON(ctx, identifySystemPrompt, identifyPrompt, &recent); err != nil {
		return nil, err
	}
	logger.Debug(ctx, "identified %d unique labs, %d ambiguous cases",
		len(recent.MostRecentLabs), len(recent.AmbiguousCases))

	return &ExtractionResult{
		Labs:       labs.Labs,
		MostRecent: recent.MostRecentLabs,
		Ambiguous:  recent.AmbiguousCases,
	}, nil
}

// completeJSON issues one completion and strictly parses the JSON payload.
// A malformed completion is re-prompted with the parse error as feedback, up
// to ParseRetries attempts.
func (g *Generator) completeJSON(ctx context.Context, system, prompt string, v any) error {
	logger := logging.GetLogger()

	userPrompt := prompt
	var lastErr error

	for attempt := 0; attempt < g.cfg.ParseRetries; attempt++ {
		if err := errs.CheckContext(ctx, "extraction"); err != nil {
			return err
		}

		resp, err := g.svc.Complete(ctx, llm.Request{
			System:      system,
			Prompt:      userPrompt,
			Model:       g.cfg.Model,
			MaxTokens:   g.cfg.MaxTokens,
			Temperature: g.cfg.Temperature,
		})
		if err != nil {
			return err
		}

		parseErr := llm.DecodeJSON(resp.Completion, v)
		if parseErr == nil {
			if err := g.validate.Struct(v); err != nil {
				// Structurally valid JSON that violates the payload
				// contract gets the same feedback loop as a parse error.
				parseErr = errs.Wrap(err, errs.InvalidResponse, "extraction payload failed validation")
			} else {
				return nil
			}
		}

		lastErr = parseErr
		logger.Warn(ctx, "JSON parsing failed (attempt %d/%d): %v", attempt+1, g.cfg.ParseRetries, parseErr)

		userPrompt = fmt.Sprintf(`The previous response had a JSON formatting error: %v

Previous response:
%s

Please provide a corrected response. Remember:
- Return ONLY valid JSON
- No markdown formatting (no triple backticks)
- Ensure all quotes are properly escaped
- Ensure all brackets and braces are properly closed
- Ensure all property names are enclosed in double quotes

%s`, parseErr, resp.Completion, prompt)
	}

	return errs.WithFields(
		errs.Wrap(lastErr, errs.InvalidResponse, "failed to parse JSON after retries"),
		errs.Fields{"max_retries": g.cfg.ParseRetries})
}
