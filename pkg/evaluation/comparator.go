// Package evaluation measures what the playbook buys: every note is
// extracted twice, once with empty context and once with a frozen playbook
// snapshot, and the two result sets are diffed. Runs only between learning
// rounds, against an immutable context rendering.
package evaluation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/XiaoConstantine/labloop/pkg/extraction"
	"github.com/XiaoConstantine/labloop/pkg/logging"
)

// Extractor is the generator stage seen by the comparator.
type Extractor interface {
	Extract(ctx context.Context, noteText string, contextBullets []string) (*extraction.ExtractionResult, error)
}

// NoteComparison is the per-note diff between the baseline extraction and
// the playbook-conditioned one.
type NoteComparison struct {
	NoteID       string
	Baseline     *extraction.ExtractionResult
	WithPlaybook *extraction.ExtractionResult

	// Lab names (normalized) by presence.
	FoundByBoth      []string
	OnlyWithPlaybook []string
	OnlyBaseline     []string

	// Recall against the note's reference labs; meaningful only when
	// HasReference is true.
	HasReference   bool
	BaselineRecall float64
	PlaybookRecall float64

	// Err marks a note whose extraction failed on either side; the
	// comparison fields are zero in that case.
	Err error
}

// Comparator runs the with/without diff over a frozen context rendering.
type Comparator struct {
	extractor     Extractor
	contextLines  []string
	maxGoroutines int
}

// Option configures a Comparator.
type Option func(*Comparator)

// WithMaxGoroutines bounds the comparison pool. Defaults to 4.
func WithMaxGoroutines(n int) Option {
	return func(c *Comparator) {
		if n > 0 {
			c.maxGoroutines = n
		}
	}
}

// NewComparator creates a comparator over a frozen context rendering. The
// caller guarantees no learning round runs while Compare is in flight; the
// comparator itself never mutates anything.
func NewComparator(extractor Extractor, contextLines []string, opts ...Option) *Comparator {
	c := &Comparator{
		extractor:     extractor,
		contextLines:  contextLines,
		maxGoroutines: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compare extracts every note twice and diffs the results. Notes are
// processed concurrently; results come back in input order. Per-note
// failures land in the comparison's Err field rather than aborting the run.
func (c *Comparator) Compare(ctx context.Context, notes []extraction.Note) []NoteComparison {
	logger := logging.GetLogger()
	results := make([]NoteComparison, len(notes))

	p := pool.New().WithMaxGoroutines(c.maxGoroutines)
	for i, note := range notes {
		i, note := i, note
		p.Go(func() {
			results[i] = c.compareNote(ctx, note)
			if results[i].Err != nil {
				logger.Warn(ctx, "comparison for note %s failed: %v", note.ID, results[i].Err)
			}
		})
	}
	p.Wait()

	return results
}

func (c *Comparator) compareNote(ctx context.Context, note extraction.Note) NoteComparison {
	cmp := NoteComparison{NoteID: note.ID}

	baseline, err := c.extractor.Extract(ctx, note.Text, nil)
	if err != nil {
		cmp.Err = err
		return cmp
	}
	withPlaybook, err := c.extractor.Extract(ctx, note.Text, c.contextLines)
	if err != nil {
		cmp.Err = err
		return cmp
	}

	cmp.Baseline = baseline
	cmp.WithPlaybook = withPlaybook

	baseNames := labNames(baseline)
	playNames := labNames(withPlaybook)
	for name := range playNames {
		if baseNames[name] {
			cmp.FoundByBoth = append(cmp.FoundByBoth, name)
		} else {
			cmp.OnlyWithPlaybook = append(cmp.OnlyWithPlaybook, name)
		}
	}
	for name := range baseNames {
		if !playNames[name] {
			cmp.OnlyBaseline = append(cmp.OnlyBaseline, name)
		}
	}
	sort.Strings(cmp.FoundByBoth)
	sort.Strings(cmp.OnlyWithPlaybook)
	sort.Strings(cmp.OnlyBaseline)

	if note.Reference != nil {
		cmp.HasReference = true
		cmp.BaselineRecall = recall(note.Reference, baseNames)
		cmp.PlaybookRecall = recall(note.Reference, playNames)
	}
	return cmp
}

// labNames collects normalized lab names from an extraction.
func labNames(result *extraction.ExtractionResult) map[string]bool {
	names := make(map[string]bool)
	for _, lab := range result.Labs {
		names[normalizeName(lab.Name)] = true
	}
	return names
}

// recall is the fraction of reference labs present in the extraction.
func recall(ref *extraction.ReferenceLabs, found map[string]bool) float64 {
	if len(ref.MostRecentLabs) == 0 {
		return 0
	}
	hit := 0
	for _, lab := range ref.MostRecentLabs {
		if found[normalizeName(lab.Name)] {
			hit++
		}
	}
	return float64(hit) / float64(len(ref.MostRecentLabs))
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Summary aggregates a comparison run.
type Summary struct {
	NotesCompared      int
	NotesFailed        int
	NotesWithReference int
	MeanBaselineRecall float64
	MeanPlaybookRecall float64
	NetNewLabs         int
	NetLostLabs        int
}

// Summarize folds per-note comparisons into run-level numbers. Recall means
// are over the notes that carry references.
func Summarize(comparisons []NoteComparison) Summary {
	var s Summary
	var baseSum, playSum float64
	for _, cmp := range comparisons {
		if cmp.Err != nil {
			s.NotesFailed++
			continue
		}
		s.NotesCompared++
		s.NetNewLabs += len(cmp.OnlyWithPlaybook)
		s.NetLostLabs += len(cmp.OnlyBaseline)
		if cmp.HasReference {
			s.NotesWithReference++
			baseSum += cmp.BaselineRecall
			playSum += cmp.PlaybookRecall
		}
	}
	if s.NotesWithReference > 0 {
		s.MeanBaselineRecall = baseSum / float64(s.NotesWithReference)
		s.MeanPlaybookRecall = playSum / float64(s.NotesWithReference)
	}
	return s
}

// FormatTable renders comparisons as a plain-text table for inspection.
func FormatTable(comparisons []NoteComparison) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %6s %10s %8s %16s %14s\n",
		"NOTE", "BOTH", "ONLY+PB", "ONLY-PB", "BASE RECALL", "PB RECALL")
	for _, cmp := range comparisons {
		if cmp.Err != nil {
			fmt.Fprintf(&b, "%-12s failed: %v\n", cmp.NoteID, cmp.Err)
			continue
		}
		base, play := "-", "-"
		if cmp.HasReference {
			base = fmt.Sprintf("%.2f", cmp.BaselineRecall)
			play = fmt.Sprintf("%.2f", cmp.PlaybookRecall)
		}
		fmt.Fprintf(&b, "%-12s %6d %10d %8d %16s %14s\n",
			cmp.NoteID, len(cmp.FoundByBoth), len(cmp.OnlyWithPlaybook), len(cmp.OnlyBaseline), base, play)
	}

	s := Summarize(comparisons)
	fmt.Fprintf(&b, "\n%d notes compared, %d failed", s.NotesCompared, s.NotesFailed)
	if s.NotesWithReference > 0 {
		fmt.Fprintf(&b, "; mean recall %.2f -> %.2f over %d referenced notes",
			s.MeanBaselineRecall, s.MeanPlaybookRecall, s.NotesWithReference)
	}
	b.WriteString("\n")
	return b.String()
}
