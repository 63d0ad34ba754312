package evaluation

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/extraction"
)

// mapExtractor returns canned results keyed by note text and whether context
// was supplied. Safe for concurrent calls.
type mapExtractor struct {
	mu       sync.Mutex
	byKey    map[string]*extraction.ExtractionResult
	failKeys map[string]bool
	calls    int
}

func key(noteText string, withContext bool) string {
	if withContext {
		return noteText + "|playbook"
	}
	return noteText + "|baseline"
}

func (m *mapExtractor) Extract(_ context.Context, noteText string, contextBullets []string) (*extraction.ExtractionResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	k := key(noteText, len(contextBullets) > 0)
	if m.failKeys[k] {
		return nil, errs.New(errs.InferenceFailed, "model unavailable")
	}
	if r, ok := m.byKey[k]; ok {
		return r, nil
	}
	return &extraction.ExtractionResult{}, nil
}

func labs(names ...string) *extraction.ExtractionResult {
	r := &extraction.ExtractionResult{}
	for _, n := range names {
		r.Labs = append(r.Labs, extraction.LabValue{Name: n, Value: "1"})
	}
	return r
}

func TestCompareDiffsLabSets(t *testing.T) {
	ex := &mapExtractor{byKey: map[string]*extraction.ExtractionResult{
		key("note-a", false): labs("Hemoglobin", "creatinine"),
		key("note-a", true):  labs("hemoglobin", "sodium"),
	}}

	c := NewComparator(ex, []string{"Check tables first"})
	results := c.Compare(context.Background(), []extraction.Note{{ID: "a", Text: "note-a"}})
	require.Len(t, results, 1)

	cmp := results[0]
	require.NoError(t, cmp.Err)
	assert.Equal(t, []string{"hemoglobin"}, cmp.FoundByBoth, "name matching is case-insensitive")
	assert.Equal(t, []string{"sodium"}, cmp.OnlyWithPlaybook)
	assert.Equal(t, []string{"creatinine"}, cmp.OnlyBaseline)
	assert.Equal(t, 4, ex.calls, "two extractions per note")
}

func TestCompareComputesRecall(t *testing.T) {
	ex := &mapExtractor{byKey: map[string]*extraction.ExtractionResult{
		key("note-a", false): labs("hemoglobin"),
		key("note-a", true):  labs("hemoglobin", "creatinine"),
	}}

	note := extraction.Note{
		ID:   "a",
		Text: "note-a",
		Reference: &extraction.ReferenceLabs{MostRecentLabs: []extraction.ReferenceLab{
			{Name: "Hemoglobin", Value: "13.2"},
			{Name: "Creatinine", Value: "0.9"},
		}},
	}

	c := NewComparator(ex, []string{"Check tables first"})
	results := c.Compare(context.Background(), []extraction.Note{note})
	require.Len(t, results, 1)

	cmp := results[0]
	require.True(t, cmp.HasReference)
	assert.InDelta(t, 0.5, cmp.BaselineRecall, 1e-9)
	assert.InDelta(t, 1.0, cmp.PlaybookRecall, 1e-9)
}

func TestCompareKeepsInputOrderUnderConcurrency(t *testing.T) {
	ex := &mapExtractor{byKey: map[string]*extraction.ExtractionResult{}}
	notes := make([]extraction.Note, 16)
	for i := range notes {
		notes[i] = extraction.Note{ID: string(rune('a' + i)), Text: "note"}
	}

	c := NewComparator(ex, []string{"ctx"}, WithMaxGoroutines(8))
	results := c.Compare(context.Background(), notes)
	require.Len(t, results, 16)
	for i, cmp := range results {
		assert.Equal(t, notes[i].ID, cmp.NoteID)
	}
}

func TestComparePerNoteFailureDoesNotAbortRun(t *testing.T) {
	ex := &mapExtractor{
		byKey: map[string]*extraction.ExtractionResult{
			key("good", false): labs("hemoglobin"),
			key("good", true):  labs("hemoglobin"),
		},
		failKeys: map[string]bool{key("bad", true): true},
	}

	c := NewComparator(ex, []string{"ctx"})
	results := c.Compare(context.Background(), []extraction.Note{
		{ID: "a", Text: "bad"},
		{ID: "b", Text: "good"},
	})
	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, []string{"hemoglobin"}, results[1].FoundByBoth)
}

func TestSummarize(t *testing.T) {
	comparisons := []NoteComparison{
		{
			NoteID:           "a",
			OnlyWithPlaybook: []string{"sodium"},
			HasReference:     true,
			BaselineRecall:   0.5,
			PlaybookRecall:   1.0,
		},
		{
			NoteID:       "b",
			OnlyBaseline: []string{"creatinine"},
		},
		{
			NoteID: "c",
			Err:    errs.New(errs.InferenceFailed, "model unavailable"),
		},
	}

	s := Summarize(comparisons)
	assert.Equal(t, 2, s.NotesCompared)
	assert.Equal(t, 1, s.NotesFailed)
	assert.Equal(t, 1, s.NotesWithReference)
	assert.InDelta(t, 0.5, s.MeanBaselineRecall, 1e-9)
	assert.InDelta(t, 1.0, s.MeanPlaybookRecall, 1e-9)
	assert.Equal(t, 1, s.NetNewLabs)
	assert.Equal(t, 1, s.NetLostLabs)
}

func TestFormatTable(t *testing.T) {
	comparisons := []NoteComparison{
		{
			NoteID:         "note-1",
			FoundByBoth:    []string{"hemoglobin"},
			HasReference:   true,
			BaselineRecall: 0.5,
			PlaybookRecall: 1.0,
		},
		{
			NoteID: "note-2",
			Err:    errs.New(errs.InferenceFailed, "model unavailable"),
		},
	}

	table := FormatTable(comparisons)
	assert.Contains(t, table, "note-1")
	assert.Contains(t, table, "0.50")
	assert.Contains(t, table, "1.00")
	assert.True(t, strings.Contains(table, "failed"))
	assert.Contains(t, table, "1 notes compared, 1 failed")
}
