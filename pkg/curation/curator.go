package curation

import (
	"context"
	"fmt"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/logging"
	"github.com/XiaoConstantine/labloop/pkg/playbook"
	"github.com/XiaoConstantine/labloop/pkg/reflection"
)

// Config holds the curator's growth-control knobs. The defaults are
// empirical starting points, expected to be tuned per corpus.
type Config struct {
	// SimilarityThreshold is the score at or above which a proposed bullet
	// counts as a near-duplicate of an existing one.
	SimilarityThreshold float64

	// DeprecationThreshold deprecates a bullet once its projected
	// harmful-helpful margin exceeds this value.
	DeprecationThreshold int

	// MaxAddsPerRound bounds playbook growth; surplus candidates are dropped
	// and logged.
	MaxAddsPerRound int
}

// DefaultConfig returns the curator defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:  0.85,
		DeprecationThreshold: 3,
		MaxAddsPerRound:      3,
	}
}

// Curator distills reflector insights into playbook delta ops. It is the
// only component with mutation authority over playbook content; it works
// against a read-only view of active bullets and emits ops for the store to
// validate and apply atomically.
type Curator struct {
	judge SimilarityJudge
	cfg   Config
}

// New creates a curator. A nil judge falls back to the lexical heuristic.
func New(judge SimilarityJudge, cfg Config) *Curator {
	if judge == nil {
		judge = LexicalJudge{}
	}
	return &Curator{judge: judge, cfg: cfg}
}

// projection tracks a bullet's counters as pending ops accumulate, so the
// deprecation decision sees the margin the batch will produce, not the
// stale pre-round one.
type projection struct {
	helpful int
	harmful int
	text    string
	textKey string
}

// Curate turns one round's insights into a delta batch. Reinforcement ops
// come first, then adds, then deprecations, so the store applies counter
// updates before retiring bullets.
func (c *Curator) Curate(ctx context.Context, insights []reflection.Insight, view []playbook.Bullet, roundIndex int) ([]playbook.DeltaOp, error) {
	if err := errs.CheckContext(ctx, "curate"); err != nil {
		return nil, err
	}
	logger := logging.GetLogger()

	projected := make(map[string]*projection, len(view))
	byCategory := make(map[string][]string)
	for _, b := range view {
		projected[b.ID] = &projection{
			helpful: b.HelpfulCount,
			harmful: b.HarmfulCount,
			text:    b.Text,
			textKey: normalize(b.Text),
		}
		byCategory[b.Category] = append(byCategory[b.Category], b.ID)
	}

	var reinforce []playbook.DeltaOp
	var adds []playbook.DeltaOp
	deprecated := make(map[string]bool)

	// Step 1: success insights reinforce the bullets they cite.
	for _, in := range insights {
		if in.Kind != reflection.KindSuccess || in.Proposal() {
			continue
		}
		for _, id := range in.RelatedBulletIDs {
			p, ok := projected[id]
			if !ok || deprecated[id] {
				continue
			}
			p.helpful++
			reinforce = append(reinforce, playbook.ReinforceHelpful(id))
		}
	}

	// Step 2: failure insights reinforce harmful counters; a bullet whose
	// projected margin crosses the threshold is retired.
	for _, in := range insights {
		if in.Kind != reflection.KindFailure || in.Proposal() {
			continue
		}
		for _, id := range in.RelatedBulletIDs {
			p, ok := projected[id]
			if !ok || deprecated[id] {
				continue
			}
			p.harmful++
			reinforce = append(reinforce, playbook.ReinforceHarmful(id))
			if p.harmful-p.helpful > c.cfg.DeprecationThreshold {
				deprecated[id] = true
			}
		}
	}

	// Step 3: proposals become adds unless a near-duplicate already exists,
	// in which case the existing bullet is reinforced instead.
	droppedAdds := 0
	pendingAdds := make(map[string]bool)
	for _, in := range insights {
		if !in.Proposal() {
			continue
		}

		key := in.Category + "\x00" + normalize(in.ProposedText)
		if pendingAdds[key] {
			continue
		}

		dupID, err := c.findDuplicate(ctx, in, projected, byCategory[in.Category], deprecated)
		if err != nil {
			return nil, err
		}
		if dupID != "" {
			p := projected[dupID]
			if in.Kind == reflection.KindFailure {
				p.harmful++
				reinforce = append(reinforce, playbook.ReinforceHarmful(dupID))
				if p.harmful-p.helpful > c.cfg.DeprecationThreshold {
					deprecated[dupID] = true
				}
			} else {
				p.helpful++
				reinforce = append(reinforce, playbook.ReinforceHelpful(dupID))
			}
			continue
		}

		// Step 4: cap growth.
		if len(adds) >= c.cfg.MaxAddsPerRound {
			droppedAdds++
			continue
		}
		pendingAdds[key] = true
		adds = append(adds, playbook.Add(in.ProposedText, in.Category))
	}

	if droppedAdds > 0 {
		capErr := errs.New(errs.CapacityExceeded,
			fmt.Sprintf("add cap %d reached, dropped %d candidate bullets", c.cfg.MaxAddsPerRound, droppedAdds))
		logger.Warn(ctx, "round %d: %v", roundIndex, capErr)
	}

	ops := make([]playbook.DeltaOp, 0, len(reinforce)+len(adds)+len(deprecated))
	ops = append(ops, reinforce...)
	ops = append(ops, adds...)
	for _, b := range view {
		if deprecated[b.ID] {
			ops = append(ops, playbook.Deprecate(b.ID))
		}
	}
	return ops, nil
}

// findDuplicate runs the tiered dedup check: exact text match, normalized
// match, then the similarity judge. Candidates are restricted to active
// bullets in the proposal's category.
func (c *Curator) findDuplicate(ctx context.Context, in reflection.Insight, projected map[string]*projection, candidates []string, deprecated map[string]bool) (string, error) {
	key := normalize(in.ProposedText)

	for _, id := range candidates {
		if deprecated[id] {
			continue
		}
		p := projected[id]
		if p.text == in.ProposedText || p.textKey == key {
			return id, nil
		}
	}

	for _, id := range candidates {
		if deprecated[id] {
			continue
		}
		score, err := c.judge.Score(ctx, in.ProposedText, projected[id].text)
		if err != nil {
			return "", errs.Wrap(err, errs.InferenceFailed, "similarity judgment failed")
		}
		if score >= c.cfg.SimilarityThreshold {
			return id, nil
		}
	}
	return "", nil
}
