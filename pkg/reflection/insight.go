// Package reflection implements the reflector stage: judging an extraction
// against reference data or self-consistency signals, and proposing insights
// for the curator. The reflector only proposes; mutation authority belongs
// to the curator alone.
package reflection

// Kind classifies an insight.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Insight is the reflector's ephemeral judgment about one aspect of an
// extraction. An insight referencing existing bullet IDs reinforces or
// contradicts those strategies; one carrying ProposedText and no related IDs
// is a candidate brand-new strategy. Insights are consumed by the curator
// within the same round and never persisted.
type Insight struct {
	Kind             Kind     `json:"kind"`
	RelatedBulletIDs []string `json:"related_bullet_ids,omitempty"`
	ProposedText     string   `json:"proposed_text,omitempty"`
	Category         string   `json:"category"`
}

// Proposal reports whether the insight proposes a brand-new strategy.
func (in Insight) Proposal() bool {
	return in.ProposedText != "" && len(in.RelatedBulletIDs) == 0
}
