// Package loop runs the self-improving extraction cycle: for each note,
// render the playbook into context, extract, reflect, curate, and apply the
// resulting deltas. Rounds are strictly sequential; the playbook only ever
// changes between extractions.
package loop

import (
	"context"
	"iter"
	"slices"

	"github.com/google/uuid"

	"github.com/XiaoConstantine/labloop/pkg/curation"
	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/extraction"
	"github.com/XiaoConstantine/labloop/pkg/history"
	"github.com/XiaoConstantine/labloop/pkg/logging"
	"github.com/XiaoConstantine/labloop/pkg/playbook"
	"github.com/XiaoConstantine/labloop/pkg/reflection"
)

// RoundRecord is the immutable trace of one completed round.
type RoundRecord = history.RoundRecord

// FailurePolicy decides what a round failure does to the run.
type FailurePolicy string

const (
	// PolicyHalt surfaces the error and stops the run.
	PolicyHalt FailurePolicy = "halt"
	// PolicySkip abandons the failed round, leaves the playbook untouched,
	// and moves on to the next note.
	PolicySkip FailurePolicy = "skip"
)

// Extractor is the generator stage seen by the controller.
type Extractor interface {
	Extract(ctx context.Context, noteText string, contextBullets []string) (*extraction.ExtractionResult, error)
}

// Curator is the curation stage seen by the controller.
type Curator interface {
	Curate(ctx context.Context, insights []reflection.Insight, view []playbook.Bullet, roundIndex int) ([]playbook.DeltaOp, error)
}

var _ Curator = (*curation.Curator)(nil)
var _ Extractor = (*extraction.Generator)(nil)

// Config holds the controller knobs.
type Config struct {
	// MaxContextBullets truncates the rendered context; <=0 means no limit.
	MaxContextBullets int

	// CategoryFilter restricts context assembly to the named categories;
	// empty means all.
	CategoryFilter []string

	// FailurePolicy is consulted when a round fails.
	FailurePolicy FailurePolicy

	// BestEffortApply retries a conflicted delta batch once with the
	// conflicting ops filtered out. Off by default: a conflict normally
	// means the curator worked from a stale view and the whole batch is
	// suspect.
	BestEffortApply bool
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		MaxContextBullets: 0,
		FailurePolicy:     PolicyHalt,
	}
}

// Controller wires the stages together. It holds no persisted state of its
// own; restarting from a restored playbook only needs WithStartRound.
type Controller struct {
	store      *playbook.Store
	generator  Extractor
	reflector  reflection.Reflector
	curator    Curator
	sink       history.Sink
	cfg        Config
	startRound int
	runID      string
}

// Option configures a Controller.
type Option func(*Controller)

// WithStartRound sets the index of the first round, used when resuming a
// run on a restored playbook so bullet round stamps keep advancing.
func WithStartRound(n int) Option {
	return func(c *Controller) {
		c.startRound = n
	}
}

// WithRunID fixes the run identifier instead of minting a random one per
// Run. Replaying a note sequence under a fixed run ID (and a deterministic
// service) reproduces the round records byte for byte.
func WithRunID(id string) Option {
	return func(c *Controller) {
		c.runID = id
	}
}

// WithHistory replaces the default in-memory sink.
func WithHistory(sink history.Sink) Option {
	return func(c *Controller) {
		c.sink = sink
	}
}

// NewController creates a loop controller over the given stages.
func NewController(store *playbook.Store, generator Extractor, reflector reflection.Reflector, curator Curator, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		generator: generator,
		reflector: reflector,
		curator:   curator,
		sink:      history.NewMemorySink(),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// History exposes the controller's sink for replay and inspection.
func (c *Controller) History() history.Sink {
	return c.sink
}

// Run processes the notes in order, one synchronous round each, and yields
// a record (or error) per round. The sequence is lazy: nothing runs until
// the caller iterates, and breaking out stops the loop. Under PolicySkip a
// failed round yields its error and the run continues; under PolicyHalt the
// first error ends the run.
func (c *Controller) Run(ctx context.Context, notes []extraction.Note) iter.Seq2[*RoundRecord, error] {
	return func(yield func(*RoundRecord, error) bool) {
		logger := logging.GetLogger()
		runID := c.runID
		if runID == "" {
			runID = uuid.NewString()
		}
		logger.Info(ctx, "run %s: starting over %d notes at round %d", runID, len(notes), c.startRound)

		for i, note := range notes {
			roundIndex := c.startRound + i

			record, err := c.runRound(ctx, runID, roundIndex, note)
			if err != nil {
				err = errs.WithFields(err, errs.Fields{
					"run_id":      runID,
					"round_index": roundIndex,
					"note_id":     note.ID,
				})
				logger.Error(ctx, "run %s round %d: %v", runID, roundIndex, err)
				if !yield(nil, err) {
					return
				}
				if c.cfg.FailurePolicy == PolicySkip && errs.CodeOf(err) != errs.Canceled {
					continue
				}
				return
			}

			logger.Info(ctx, "run %s round %d: note %s, %d ops applied, version %d -> %d",
				runID, roundIndex, note.ID, len(record.OpsApplied), record.VersionBefore, record.VersionAfter)
			if !yield(record, nil) {
				return
			}
		}
	}
}

// runRound executes one full cycle for a single note. Any stage failure
// aborts the round before the playbook is touched.
func (c *Controller) runRound(ctx context.Context, runID string, roundIndex int, note extraction.Note) (*RoundRecord, error) {
	if err := errs.CheckContext(ctx, "run round"); err != nil {
		return nil, err
	}

	versionBefore := c.store.Version()
	view := c.store.ActiveView(c.cfg.MaxContextBullets, c.cfg.CategoryFilter)
	contextLines := slices.Collect(c.store.RenderContext(c.cfg.MaxContextBullets, c.cfg.CategoryFilter))

	result, err := c.generator.Extract(ctx, note.Text, contextLines)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeOf(err), "extraction stage failed")
	}

	insights, err := c.reflector.Reflect(ctx, note, result, view)
	if err != nil {
		// A partial insight set is never curated.
		return nil, errs.Wrap(err, errs.CodeOf(err), "reflection stage failed")
	}

	ops, err := c.curator.Curate(ctx, insights, view, roundIndex)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeOf(err), "curation stage failed")
	}

	applied := ops
	if _, err := c.store.ApplyDeltas(ops, roundIndex); err != nil {
		if !c.cfg.BestEffortApply || errs.CodeOf(err) != errs.Conflict {
			return nil, errs.Wrap(err, errs.CodeOf(err), "apply stage failed")
		}
		applied = c.store.FilterConflicting(ops)
		logging.GetLogger().Warn(ctx, "run %s round %d: conflicted batch, retrying with %d of %d ops",
			runID, roundIndex, len(applied), len(ops))
		if _, err := c.store.ApplyDeltas(applied, roundIndex); err != nil {
			return nil, errs.Wrap(err, errs.CodeOf(err), "apply stage failed after conflict retry")
		}
	}

	record := &RoundRecord{
		RunID:         runID,
		RoundIndex:    roundIndex,
		NoteID:        note.ID,
		Extraction:    result,
		Insights:      insights,
		OpsApplied:    applied,
		VersionBefore: versionBefore,
		VersionAfter:  c.store.Version(),
	}
	if err := c.sink.Append(record); err != nil {
		return nil, errs.Wrap(err, errs.CodeOf(err), "history append failed")
	}
	return record, nil
}
