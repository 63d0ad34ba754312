// Package history records completed learning rounds for replay and
// inspection. Sinks are append-only: nothing in this package feeds back
// into extraction or playbook state.
package history

import (
	"github.com/XiaoConstantine/labloop/pkg/extraction"
	"github.com/XiaoConstantine/labloop/pkg/playbook"
	"github.com/XiaoConstantine/labloop/pkg/reflection"
)

// RoundRecord captures everything that happened in one learning round. It
// is immutable once appended.
type RoundRecord struct {
	RunID         string                       `json:"run_id"`
	RoundIndex    int                          `json:"round_index"`
	NoteID        string                       `json:"note_id"`
	Extraction    *extraction.ExtractionResult `json:"extraction,omitempty"`
	Insights      []reflection.Insight         `json:"insights,omitempty"`
	OpsApplied    []playbook.DeltaOp           `json:"ops_applied,omitempty"`
	VersionBefore uint64                       `json:"version_before"`
	VersionAfter  uint64                       `json:"version_after"`
}

// Sink receives round records as they complete. Implementations must be
// safe for use from a single producer; Records returns copies, never
// internal state.
type Sink interface {
	Append(record *RoundRecord) error
	Records() ([]*RoundRecord, error)
}
