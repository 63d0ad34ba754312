// Package extraction implements the generator stage: structured lab value
// extraction from clinical notes, conditioned on the current playbook.
package extraction

// Note is one unit of input to the loop. Reference carries ground-truth labs
// when available (supervised mode); nil means the reflector falls back to
// self-consistency signals.
type Note struct {
	ID        string         `json:"note_id"`
	Text      string         `json:"text"`
	Reference *ReferenceLabs `json:"structured_reference,omitempty"`
}

// ReferenceLabs is the ground-truth shape fed to the reflector.
type ReferenceLabs struct {
	MostRecentLabs []ReferenceLab `json:"most_recent_labs"`
}

// ReferenceLab is a single expected lab result.
type ReferenceLab struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Date  string `json:"date,omitempty"`
}

// LabValue is one extracted lab mention.
type LabValue struct {
	Name    string `json:"name" validate:"required"`
	Value   string `json:"value" validate:"required"`
	Unit    string `json:"unit"`
	Date    string `json:"date"`
	Context string `json:"context"`
}

// MostRecentLab is the per-test recency selection from the second stage.
type MostRecentLab struct {
	Name      string `json:"name" validate:"required"`
	Value     string `json:"value" validate:"required"`
	Unit      string `json:"unit"`
	Date      string `json:"date"`
	Reasoning string `json:"reasoning"`
}

// AmbiguousCase flags a lab whose most recent value could not be decided.
type AmbiguousCase struct {
	LabName        string   `json:"lab_name" validate:"required"`
	Issue          string   `json:"issue"`
	PossibleValues []string `json:"possible_values"`
}

// ExtractionResult is the generator's structured output for one note.
type ExtractionResult struct {
	Labs       []LabValue      `json:"labs" validate:"dive"`
	MostRecent []MostRecentLab `json:"most_recent_labs" validate:"dive"`
	Ambiguous  []AmbiguousCase `json:"ambiguous_cases" validate:"dive"`
}
