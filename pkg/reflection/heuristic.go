package reflection

import (
	"context"
	"fmt"
	"strings"

	"github.com/XiaoConstantine/labloop/pkg/extraction"
	"github.com/XiaoConstantine/labloop/pkg/playbook"
)

// HeuristicReflector produces insights without any inference call. It is the
// offline fallback and the deterministic reflector used in tests: supervised
// judgments come from a name-level diff against the reference, unsupervised
// ones from the extraction's own ambiguity flags.
type HeuristicReflector struct{}

// NewHeuristicReflector creates the no-LLM reflector.
func NewHeuristicReflector() *HeuristicReflector {
	return &HeuristicReflector{}
}

// Reflect implements the Reflector interface.
func (r *HeuristicReflector) Reflect(ctx context.Context, note extraction.Note, result *extraction.ExtractionResult, contextBullets []playbook.Bullet) ([]Insight, error) {
	if note.Reference != nil {
		return r.supervised(note, result, contextBullets), nil
	}
	return r.unsupervised(result), nil
}

func (r *HeuristicReflector) supervised(note extraction.Note, result *extraction.ExtractionResult, contextBullets []playbook.Bullet) []Insight {
	found := make(map[string]bool, len(result.MostRecent))
	for _, lab := range result.MostRecent {
		found[strings.ToLower(lab.Name)] = true
	}

	var insights []Insight
	missed := 0
	for _, ref := range note.Reference.MostRecentLabs {
		if found[strings.ToLower(ref.Name)] {
			continue
		}
		missed++
		insights = append(insights, Insight{
			Kind:         KindFailure,
			ProposedText: fmt.Sprintf("Check tables and narrative text for %s values that are easy to miss", ref.Name),
			Category:     "extraction",
		})
	}

	// Full recall credits every strategy that was in context; misses blame
	// them. Coarse credit assignment, but deterministic.
	kind := KindSuccess
	if missed > 0 {
		kind = KindFailure
	}
	if len(contextBullets) > 0 {
		ids := make([]string, len(contextBullets))
		for i, b := range contextBullets {
			ids[i] = b.ID
		}
		insights = append(insights, Insight{
			Kind:             kind,
			RelatedBulletIDs: ids,
			Category:         "extraction",
		})
	}

	return insights
}

func (r *HeuristicReflector) unsupervised(result *extraction.ExtractionResult) []Insight {
	var insights []Insight
	for _, amb := range result.Ambiguous {
		insights = append(insights, Insight{
			Kind:         KindFailure,
			ProposedText: fmt.Sprintf("Resolve ambiguous recency for %s by preferring explicitly dated values over contextual ordering", amb.LabName),
			Category:     "date disambiguation",
		})
	}
	return insights
}
