package playbook

import (
	"iter"
	"sort"
	"sync"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
)

// RankWeights configures the context ranking score. Utility is the net
// helpful-harmful margin; recency is the last round that touched the bullet.
type RankWeights struct {
	Utility float64 `json:"utility"`
	Recency float64 `json:"recency"`
}

// DefaultRankWeights favors proven utility, with recency separating bullets
// whose utility ties.
func DefaultRankWeights() RankWeights {
	return RankWeights{Utility: 1.0, Recency: 0.1}
}

// Store is the versioned playbook. It is owned by a single loop controller;
// the mutex only guards inspection reads during the inter-round quiescent
// window, not concurrent writers.
type Store struct {
	mu      sync.RWMutex
	bullets map[string]*Bullet
	version uint64
	nextSeq uint64
	weights RankWeights
}

// Option configures a Store.
type Option func(*Store)

// WithRankWeights overrides the context ranking weights.
func WithRankWeights(w RankWeights) Option {
	return func(s *Store) {
		s.weights = w
	}
}

// New creates an empty playbook at version 0.
func New(opts ...Option) *Store {
	s := &Store{
		bullets: make(map[string]*Bullet),
		nextSeq: 1,
		weights: DefaultRankWeights(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Version returns the number of applied delta batches.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Len returns the total bullet count, deprecated included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bullets)
}

// Get returns a copy of the bullet with the given ID.
func (s *Store) Get(id string) (Bullet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bullets[id]
	if !ok {
		return Bullet{}, false
	}
	return *b, true
}

// score computes the ranking score for context assembly.
func (s *Store) score(b *Bullet) float64 {
	return s.weights.Utility*float64(b.Utility()) + s.weights.Recency*float64(b.LastTouchedRound)
}

// rankedActive returns copies of active bullets ordered by descending score,
// ties broken by ascending ID for determinism.
func (s *Store) rankedActive(categoryFilter []string) []Bullet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var allowed map[string]bool
	if len(categoryFilter) > 0 {
		allowed = make(map[string]bool, len(categoryFilter))
		for _, c := range categoryFilter {
			allowed[c] = true
		}
	}

	var ranked []Bullet
	for _, b := range s.bullets {
		if !b.Active() {
			continue
		}
		if allowed != nil && !allowed[b.Category] {
			continue
		}
		ranked = append(ranked, *b)
	}

	sort.Slice(ranked, func(i, j int) bool {
		si, sj := s.score(&ranked[i]), s.score(&ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})

	return ranked
}

// ActiveView returns ranked copies of the active bullets, truncated to
// maxBullets (<=0 means no limit). Curator and reflector consume this view;
// it never exposes store internals.
func (s *Store) ActiveView(maxBullets int, categoryFilter []string) []Bullet {
	ranked := s.rankedActive(categoryFilter)
	if maxBullets > 0 && len(ranked) > maxBullets {
		ranked = ranked[:maxBullets]
	}
	return ranked
}

// RenderContext produces a lazy, deterministic, ordered sequence of active
// bullet texts for prompt injection. Read-only; identical store state always
// yields an identical sequence.
func (s *Store) RenderContext(maxBullets int, categoryFilter []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, b := range s.ActiveView(maxBullets, categoryFilter) {
			if !yield(b.Text) {
				return
			}
		}
	}
}

// validateOp checks one op against current state. IDs are assigned at apply
// time, so ops can never reference an Add from the same batch.
func (s *Store) validateOp(op DeltaOp) error {
	switch op.Kind {
	case DeltaAdd:
		if op.Text == "" {
			return errs.New(errs.InvalidInput, "add op requires text")
		}
		return nil
	case DeltaReinforceHelpful, DeltaReinforceHarmful, DeltaDeprecate:
		b, ok := s.bullets[op.BulletID]
		if !ok {
			return errs.WithFields(
				errs.New(errs.Conflict, "delta references nonexistent bullet"),
				errs.Fields{"bullet_id": op.BulletID, "kind": string(op.Kind)})
		}
		if !b.Active() {
			return errs.WithFields(
				errs.New(errs.Conflict, "delta references deprecated bullet"),
				errs.Fields{"bullet_id": op.BulletID, "kind": string(op.Kind)})
		}
		return nil
	default:
		return errs.WithFields(
			errs.New(errs.InvalidInput, "unknown delta kind"),
			errs.Fields{"kind": string(op.Kind)})
	}
}

// ApplyDeltas atomically applies a batch of ops and increments the version
// exactly once. If any op is invalid the whole batch is rejected and the
// store is left untouched. An empty batch is a no-op and does not bump the
// version. Returns the IDs of all bullets the batch touched.
func (s *Store) ApplyDeltas(ops []DeltaOp, roundIndex int) ([]string, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching anything.
	for _, op := range ops {
		if err := s.validateOp(op); err != nil {
			return nil, err
		}
	}

	touched := make([]string, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case DeltaAdd:
			id := formatID(op.Category, s.nextSeq)
			s.nextSeq++
			s.bullets[id] = &Bullet{
				ID:               id,
				Text:             op.Text,
				Category:         op.Category,
				CreatedAtRound:   roundIndex,
				LastTouchedRound: roundIndex,
				Status:           StatusActive,
			}
			touched = append(touched, id)
		case DeltaReinforceHelpful:
			b := s.bullets[op.BulletID]
			b.HelpfulCount++
			b.LastTouchedRound = roundIndex
			touched = append(touched, b.ID)
		case DeltaReinforceHarmful:
			b := s.bullets[op.BulletID]
			b.HarmfulCount++
			b.LastTouchedRound = roundIndex
			touched = append(touched, b.ID)
		case DeltaDeprecate:
			b := s.bullets[op.BulletID]
			b.Status = StatusDeprecated
			b.LastTouchedRound = roundIndex
			touched = append(touched, b.ID)
		}
	}

	s.version++
	return touched, nil
}

// FilterConflicting returns the subset of ops that would survive batch
// validation. The loop controller uses this for its opt-in best-effort mode
// after a Conflict abort.
func (s *Store) FilterConflicting(ops []DeltaOp) []DeltaOp {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kept := make([]DeltaOp, 0, len(ops))
	for _, op := range ops {
		if err := s.validateOp(op); err == nil {
			kept = append(kept, op)
		}
	}
	return kept
}
