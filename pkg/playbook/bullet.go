// Package playbook implements the versioned store of strategy bullets that
// carries learned extraction strategies across rounds. The store is the only
// state shared between rounds: a single owned value, mutated exclusively
// through atomic delta batches.
package playbook

import (
	"fmt"
	"strings"
)

// Status marks whether a bullet participates in context assembly.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Bullet is one atomic, reusable strategy statement with utility counters.
// The ID is immutable and never reused; only the counters, Status, and
// LastTouchedRound mutate after creation.
type Bullet struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	Category         string `json:"category"`
	HelpfulCount     int    `json:"helpful_count"`
	HarmfulCount     int    `json:"harmful_count"`
	CreatedAtRound   int    `json:"created_at_round"`
	LastTouchedRound int    `json:"last_touched_round"`
	Status           Status `json:"status"`
}

// Utility returns the net usefulness signal for ranking and deprecation.
func (b *Bullet) Utility() int {
	return b.HelpfulCount - b.HarmfulCount
}

// Active reports whether the bullet is eligible for context assembly.
func (b *Bullet) Active() bool {
	return b.Status == StatusActive
}

// String formats the bullet for logs and audit output.
func (b *Bullet) String() string {
	return fmt.Sprintf("[%s] helpful=%d harmful=%d :: %s", b.ID, b.HelpfulCount, b.HarmfulCount, b.Text)
}

// formatID builds a bullet ID from its category and a store-wide sequence
// number. Sequence numbers are monotonic, so IDs sort in creation order
// within a category and are never reused.
func formatID(category string, seq uint64) string {
	slug := strings.ToLower(strings.TrimSpace(category))
	slug = strings.Join(strings.Fields(slug), "-")
	if slug == "" {
		slug = "general"
	}
	return fmt.Sprintf("%s-%05d", slug, seq)
}
