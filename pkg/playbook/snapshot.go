package playbook

import (
	"bytes"
	"encoding/json"
	"sort"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
)

// snapshotSchema versions the persistence format. Restore refuses any other
// value rather than coercing.
const snapshotSchema = 1

// Snapshot is the full serializable state of a playbook. Restore on an
// identical snapshot reproduces identical RenderContext output.
type Snapshot struct {
	Schema  int         `json:"schema"`
	Version uint64      `json:"version"`
	NextSeq uint64      `json:"next_seq"`
	Weights RankWeights `json:"weights"`
	Bullets []Bullet    `json:"bullets"`
}

// Snapshot captures the current state. Bullets are ordered by ascending ID
// so encoding is byte-stable.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bullets := make([]Bullet, 0, len(s.bullets))
	for _, b := range s.bullets {
		bullets = append(bullets, *b)
	}
	sort.Slice(bullets, func(i, j int) bool {
		return bullets[i].ID < bullets[j].ID
	})

	return Snapshot{
		Schema:  snapshotSchema,
		Version: s.version,
		NextSeq: s.nextSeq,
		Weights: s.weights,
		Bullets: bullets,
	}
}

// Restore replaces the store's state from a snapshot. It is the only way to
// rehydrate a playbook. Schema mismatches and structurally invalid snapshots
// fail with SerializationFailed and leave the store untouched.
func (s *Store) Restore(snap Snapshot) error {
	if snap.Schema != snapshotSchema {
		return errs.WithFields(
			errs.New(errs.SerializationFailed, "snapshot schema mismatch"),
			errs.Fields{"got": snap.Schema, "want": snapshotSchema})
	}

	bullets := make(map[string]*Bullet, len(snap.Bullets))
	for i := range snap.Bullets {
		b := snap.Bullets[i]
		if b.ID == "" {
			return errs.New(errs.SerializationFailed, "snapshot contains bullet without id")
		}
		if b.Status != StatusActive && b.Status != StatusDeprecated {
			return errs.WithFields(
				errs.New(errs.SerializationFailed, "snapshot contains bullet with unknown status"),
				errs.Fields{"bullet_id": b.ID, "status": string(b.Status)})
		}
		if _, dup := bullets[b.ID]; dup {
			return errs.WithFields(
				errs.New(errs.SerializationFailed, "snapshot contains duplicate bullet id"),
				errs.Fields{"bullet_id": b.ID})
		}
		bullets[b.ID] = &b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bullets = bullets
	s.version = snap.Version
	s.nextSeq = snap.NextSeq
	if s.nextSeq == 0 {
		s.nextSeq = 1
	}
	if snap.Weights != (RankWeights{}) {
		s.weights = snap.Weights
	}
	return nil
}

// Encode serializes a snapshot to JSON.
func (snap Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errs.Wrap(err, errs.SerializationFailed, "failed to encode snapshot")
	}
	return data, nil
}

// DecodeSnapshot strictly parses a serialized snapshot. Unknown fields are a
// schema mismatch, never silently dropped.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, errs.Wrap(err, errs.SerializationFailed, "failed to decode snapshot")
	}
	return snap, nil
}
