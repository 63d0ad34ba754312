package playbook

import "fmt"

// DeltaKind discriminates the delta op variants.
type DeltaKind string

const (
	DeltaAdd              DeltaKind = "add"
	DeltaReinforceHelpful DeltaKind = "reinforce_helpful"
	DeltaReinforceHarmful DeltaKind = "reinforce_harmful"
	DeltaDeprecate        DeltaKind = "deprecate"
)

// DeltaOp is one atomic proposed change to the playbook. Add ops carry Text
// and Category; the reinforce and deprecate ops carry BulletID.
type DeltaOp struct {
	Kind     DeltaKind `json:"kind"`
	BulletID string    `json:"bullet_id,omitempty"`
	Text     string    `json:"text,omitempty"`
	Category string    `json:"category,omitempty"`
}

// Add proposes a brand-new bullet.
func Add(text, category string) DeltaOp {
	return DeltaOp{Kind: DeltaAdd, Text: text, Category: category}
}

// ReinforceHelpful increments a bullet's helpful counter.
func ReinforceHelpful(bulletID string) DeltaOp {
	return DeltaOp{Kind: DeltaReinforceHelpful, BulletID: bulletID}
}

// ReinforceHarmful increments a bullet's harmful counter.
func ReinforceHarmful(bulletID string) DeltaOp {
	return DeltaOp{Kind: DeltaReinforceHarmful, BulletID: bulletID}
}

// Deprecate retires a bullet from context assembly while retaining it for
// audit.
func Deprecate(bulletID string) DeltaOp {
	return DeltaOp{Kind: DeltaDeprecate, BulletID: bulletID}
}

func (op DeltaOp) String() string {
	if op.Kind == DeltaAdd {
		return fmt.Sprintf("%s(%q, category=%s)", op.Kind, op.Text, op.Category)
	}
	return fmt.Sprintf("%s(%s)", op.Kind, op.BulletID)
}
