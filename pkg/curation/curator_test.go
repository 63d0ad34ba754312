package curation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoConstantine/labloop/pkg/playbook"
	"github.com/XiaoConstantine/labloop/pkg/reflection"
)

// fixedJudge returns a constant score for every pair.
type fixedJudge struct{ score float64 }

func (j fixedJudge) Score(_ context.Context, _, _ string) (float64, error) {
	return j.score, nil
}

func activeBullet(id, text, category string, helpful, harmful int) playbook.Bullet {
	return playbook.Bullet{
		ID:           id,
		Text:         text,
		Category:     category,
		HelpfulCount: helpful,
		HarmfulCount: harmful,
		Status:       playbook.StatusActive,
	}
}

func TestCurateReinforcesCitedBullets(t *testing.T) {
	view := []playbook.Bullet{
		activeBullet("extraction-00001", "Check tables first", "extraction", 2, 0),
		activeBullet("extraction-00002", "Scan narrative text", "extraction", 1, 0),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindSuccess, RelatedBulletIDs: []string{"extraction-00001"}, Category: "extraction"},
		{Kind: reflection.KindFailure, RelatedBulletIDs: []string{"extraction-00002"}, Category: "extraction"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 1)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, playbook.ReinforceHelpful("extraction-00001"), ops[0])
	assert.Equal(t, playbook.ReinforceHarmful("extraction-00002"), ops[1])
}

func TestCurateIgnoresUnknownBulletIDs(t *testing.T) {
	view := []playbook.Bullet{
		activeBullet("extraction-00001", "Check tables first", "extraction", 0, 0),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindSuccess, RelatedBulletIDs: []string{"extraction-99999"}, Category: "extraction"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 1)
	require.NoError(t, err)
	assert.Empty(t, ops, "citations of nonexistent bullets must not produce ops")
}

func TestCurateDeprecatesOnProjectedMargin(t *testing.T) {
	// harmful 3, helpful 0: one more harmful vote pushes the margin past the
	// default threshold of 3.
	view := []playbook.Bullet{
		activeBullet("units-00001", "Assume mg/dL when units are missing", "units", 0, 3),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindFailure, RelatedBulletIDs: []string{"units-00001"}, Category: "units"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 4)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, playbook.ReinforceHarmful("units-00001"), ops[0])
	assert.Equal(t, playbook.Deprecate("units-00001"), ops[1])
}

func TestCurateProjectionCountsSameRoundVotes(t *testing.T) {
	// Margin starts at 2; two harmful votes within the round cross the
	// threshold even though neither alone would.
	view := []playbook.Bullet{
		activeBullet("units-00001", "Assume mg/dL when units are missing", "units", 0, 2),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindFailure, RelatedBulletIDs: []string{"units-00001"}, Category: "units"},
		{Kind: reflection.KindFailure, RelatedBulletIDs: []string{"units-00001"}, Category: "units"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 5)
	require.NoError(t, err)

	deprecations := 0
	for _, op := range ops {
		if op.Kind == playbook.DeltaDeprecate {
			deprecations++
		}
	}
	assert.Equal(t, 1, deprecations, "a bullet is deprecated at most once per batch")
}

func TestCurateHelpfulVotesOffsetHarmful(t *testing.T) {
	view := []playbook.Bullet{
		activeBullet("units-00001", "Assume mg/dL when units are missing", "units", 0, 3),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindSuccess, RelatedBulletIDs: []string{"units-00001"}, Category: "units"},
		{Kind: reflection.KindFailure, RelatedBulletIDs: []string{"units-00001"}, Category: "units"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 2)
	require.NoError(t, err)
	for _, op := range ops {
		assert.NotEqual(t, playbook.DeltaDeprecate, op.Kind,
			"projected margin 4-1=3 does not exceed the threshold")
	}
}

func TestCurateAddsNovelProposal(t *testing.T) {
	view := []playbook.Bullet{
		activeBullet("extraction-00001", "Check tables first", "extraction", 1, 0),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindFailure, ProposedText: "Treat collection date as the lab date, not report date", Category: "date disambiguation"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, playbook.Add("Treat collection date as the lab date, not report date", "date disambiguation"), ops[0])
}

func TestCurateDedupTiers(t *testing.T) {
	existing := "Check tables for hemoglobin values"
	view := []playbook.Bullet{
		activeBullet("extraction-00001", existing, "extraction", 1, 0),
	}

	tests := []struct {
		name     string
		proposed string
		judge    SimilarityJudge
	}{
		{"exact match", existing, fixedJudge{0}},
		{"normalized match", "check  TABLES for hemoglobin values", fixedJudge{0}},
		{"semantic match via judge", "Look in tabular sections for hemoglobin results", fixedJudge{0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insights := []reflection.Insight{
				{Kind: reflection.KindSuccess, ProposedText: tt.proposed, Category: "extraction"},
			}
			c := New(tt.judge, DefaultConfig())
			ops, err := c.Curate(context.Background(), insights, view, 2)
			require.NoError(t, err)
			require.Len(t, ops, 1)
			assert.Equal(t, playbook.ReinforceHelpful("extraction-00001"), ops[0],
				"near-duplicate proposals reinforce the existing bullet instead of adding")
		})
	}
}

func TestCurateDedupIsCategoryScoped(t *testing.T) {
	view := []playbook.Bullet{
		activeBullet("extraction-00001", "Check tables first", "extraction", 1, 0),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindSuccess, ProposedText: "Check tables first", Category: "date disambiguation"},
	}

	c := New(fixedJudge{1.0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 2)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, playbook.DeltaAdd, ops[0].Kind,
		"identical text in a different category is a distinct strategy")
}

func TestCurateFailureDuplicateReinforcesHarmful(t *testing.T) {
	view := []playbook.Bullet{
		activeBullet("units-00001", "Assume mg/dL when units are missing", "units", 0, 0),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindFailure, ProposedText: "Assume mg/dL when units are missing", Category: "units"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 3)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, playbook.ReinforceHarmful("units-00001"), ops[0])
}

func TestCurateRepeatedProposalWithinRound(t *testing.T) {
	insights := []reflection.Insight{
		{Kind: reflection.KindFailure, ProposedText: "Treat collection date as the lab date", Category: "date disambiguation"},
		{Kind: reflection.KindFailure, ProposedText: "Treat Collection Date as the lab date", Category: "date disambiguation"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, nil, 1)
	require.NoError(t, err)

	adds := 0
	for _, op := range ops {
		if op.Kind == playbook.DeltaAdd {
			adds++
		}
	}
	assert.Equal(t, 1, adds, "two submissions of the same strategy yield one add")
}

func TestCurateCapsAddsPerRound(t *testing.T) {
	insights := []reflection.Insight{
		{Kind: reflection.KindFailure, ProposedText: "Strategy about dates", Category: "date disambiguation"},
		{Kind: reflection.KindFailure, ProposedText: "Strategy about units", Category: "units"},
		{Kind: reflection.KindFailure, ProposedText: "Strategy about tables", Category: "extraction"},
	}

	cfg := DefaultConfig()
	cfg.MaxAddsPerRound = 2
	c := New(fixedJudge{0}, cfg)
	ops, err := c.Curate(context.Background(), insights, nil, 1)
	require.NoError(t, err)

	require.Len(t, ops, 2, "surplus candidates are dropped, not errored")
	assert.Equal(t, "Strategy about dates", ops[0].Text)
	assert.Equal(t, "Strategy about units", ops[1].Text)
}

func TestCurateSkipsDeprecatedBulletForDedup(t *testing.T) {
	// A bullet deprecated earlier in the same batch cannot absorb a proposal.
	view := []playbook.Bullet{
		activeBullet("units-00001", "Assume mg/dL when units are missing", "units", 0, 3),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindFailure, RelatedBulletIDs: []string{"units-00001"}, Category: "units"},
		{Kind: reflection.KindSuccess, ProposedText: "Assume mg/dL when units are missing", Category: "units"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 4)
	require.NoError(t, err)

	var kinds []playbook.DeltaKind
	for _, op := range ops {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []playbook.DeltaKind{
		playbook.DeltaReinforceHarmful,
		playbook.DeltaAdd,
		playbook.DeltaDeprecate,
	}, kinds)
}

func TestCurateEmptyInsights(t *testing.T) {
	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestCurateRespectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(fixedJudge{0}, DefaultConfig())
	_, err := c.Curate(ctx, nil, nil, 0)
	require.Error(t, err)
}

func TestCurateOrdersReinforcementsBeforeAddsAndDeprecations(t *testing.T) {
	view := []playbook.Bullet{
		activeBullet("extraction-00001", "Check tables first", "extraction", 2, 0),
		activeBullet("units-00001", "Assume mg/dL when units are missing", "units", 0, 3),
	}
	insights := []reflection.Insight{
		{Kind: reflection.KindFailure, ProposedText: "Prefer narrative text for dates", Category: "date disambiguation"},
		{Kind: reflection.KindSuccess, RelatedBulletIDs: []string{"extraction-00001"}, Category: "extraction"},
		{Kind: reflection.KindFailure, RelatedBulletIDs: []string{"units-00001"}, Category: "units"},
	}

	c := New(fixedJudge{0}, DefaultConfig())
	ops, err := c.Curate(context.Background(), insights, view, 6)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	assert.Equal(t, playbook.DeltaReinforceHelpful, ops[0].Kind)
	assert.Equal(t, playbook.DeltaReinforceHarmful, ops[1].Kind)
	assert.Equal(t, playbook.DeltaAdd, ops[2].Kind)
	assert.Equal(t, playbook.DeltaDeprecate, ops[3].Kind)
}
