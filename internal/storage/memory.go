package storage

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"

	"odbscope/internal/oid"
)

// Memory is an in-memory Source. Records are yielded in insertion order, so
// callers can reproduce duplicate revisions in a stream.
type Memory struct {
	records []RawRecord
	roots   []oid.ID
	// Err, when set, is yielded after the records to simulate an I/O failure.
	Err error
}

// NewMemory returns an empty source rooted at oid.Root.
func NewMemory() *Memory {
	return &Memory{roots: []oid.ID{oid.Root}}
}

// Add appends a record.
func (m *Memory) Add(id oid.ID, tid oid.TID, payload []byte) *Memory {
	m.records = append(m.records, RawRecord{ID: id, TID: tid, Payload: payload})
	return m
}

// SetRoots replaces the root set.
func (m *Memory) SetRoots(roots ...oid.ID) *Memory {
	m.roots = slices.Clone(roots)
	return m
}

func (m *Memory) Records(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		for _, r := range m.records {
			if err := ctx.Err(); err != nil {
				yield(RawRecord{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if m.Err != nil {
			yield(RawRecord{}, m.Err)
		}
	}
}

func (m *Memory) Roots(ctx context.Context) ([]oid.ID, error) {
	return slices.Clone(m.roots), nil
}

func (m *Memory) LastTransaction(ctx context.Context) (oid.TID, error) {
	var last oid.TID
	for _, r := range m.records {
		last = max(last, r.TID)
	}
	return last, nil
}

func (m *Memory) Transactions(ctx context.Context) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		current := make(map[oid.ID]oid.TID)
		for _, r := range m.records {
			current[r.ID] = r.TID
		}
		byTID := make(map[oid.TID][]oid.ID)
		for id, tid := range current {
			byTID[tid] = append(byTID[tid], id)
		}
		tids := slices.SortedFunc(maps.Keys(byTID), func(a, b oid.TID) int { return cmp.Compare(b, a) })
		for _, tid := range tids {
			if !yield(Transaction{TID: tid, Objects: oid.Sort(byTID[tid])}, nil) {
				return
			}
		}
	}
}

func (m *Memory) Close() error { return nil }
