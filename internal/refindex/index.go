// Package refindex holds the forward and reverse reference maps of a database
// snapshot.
package refindex

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"

	"odbscope/internal/oid"
	"odbscope/internal/record"
)

var (
	ErrNotFound = errors.New("object not found")
)

// Index is an immutable snapshot of the reference graph.
//
// Every key of the forward map is a decoded record. The reverse map is the
// exact inverse of the forward map, so it also has entries for dangling targets:
// objects that are referenced but never decoded.
type Index struct {
	records    map[oid.ID]*record.Record
	forward    map[oid.ID][]oid.ID
	reverse    map[oid.ID][]oid.ID
	ids        []oid.ID
	edges      int
	unreadable int
}

// Lookup returns the record for id.
func (idx *Index) Lookup(id oid.ID) (*record.Record, error) {
	rec, ok := idx.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Contains reports whether id was decoded.
func (idx *Index) Contains(id oid.ID) bool {
	_, ok := idx.records[id]
	return ok
}

// References returns the objects id references, ascending.
// The slice is shared and must not be modified.
func (idx *Index) References(id oid.ID) []oid.ID {
	return idx.forward[id]
}

// ReferencedBy returns the objects referencing id, ascending.
// The slice is shared and must not be modified.
func (idx *Index) ReferencedBy(id oid.ID) []oid.ID {
	return idx.reverse[id]
}

// IDs returns all decoded ids, ascending. The slice is shared.
func (idx *Index) IDs() []oid.ID { return idx.ids }

// Len returns the number of decoded records.
func (idx *Index) Len() int { return len(idx.records) }

// Edges returns the number of forward edges.
func (idx *Index) Edges() int { return idx.edges }

// Unreadable returns the number of placeholder records.
func (idx *Index) Unreadable() int { return idx.unreadable }

// All yields the records in ascending oid order.
func (idx *Index) All() iter.Seq[*record.Record] {
	return func(yield func(*record.Record) bool) {
		for _, id := range idx.ids {
			if !yield(idx.records[id]) {
				return
			}
		}
	}
}

// Builder accumulates records into an Index in a single pass.
type Builder struct {
	records map[oid.ID]*record.Record
	forward map[oid.ID][]oid.ID
	reverse map[oid.ID]map[oid.ID]struct{}
}

func NewBuilder() *Builder {
	return &Builder{
		records: make(map[oid.ID]*record.Record),
		forward: make(map[oid.ID][]oid.ID),
		reverse: make(map[oid.ID]map[oid.ID]struct{}),
	}
}

// Add records rec. A later record for the same oid replaces the earlier one,
// along with its edges.
func (b *Builder) Add(rec *record.Record) {
	if _, seen := b.records[rec.ID]; seen {
		for _, target := range b.forward[rec.ID] {
			if refs := b.reverse[target]; refs != nil {
				delete(refs, rec.ID)
				if len(refs) == 0 {
					delete(b.reverse, target)
				}
			}
		}
	}

	targets := rec.Targets()
	b.records[rec.ID] = rec
	b.forward[rec.ID] = targets
	for _, target := range targets {
		refs := b.reverse[target]
		if refs == nil {
			refs = make(map[oid.ID]struct{})
			b.reverse[target] = refs
		}
		refs[rec.ID] = struct{}{}
	}
}

// Len returns the number of distinct records added so far.
func (b *Builder) Len() int { return len(b.records) }

// Index freezes the builder. The builder must not be used afterwards.
func (b *Builder) Index() *Index {
	idx := &Index{
		records: b.records,
		forward: b.forward,
		reverse: make(map[oid.ID][]oid.ID, len(b.reverse)),
		ids:     slices.Sorted(maps.Keys(b.records)),
	}
	for target, refs := range b.reverse {
		idx.reverse[target] = slices.Sorted(maps.Keys(refs))
	}
	for _, targets := range b.forward {
		idx.edges += len(targets)
	}
	for _, rec := range b.records {
		if rec.Unreadable {
			idx.unreadable++
		}
	}
	*b = Builder{}
	return idx
}

// Build drains records into a new Index. A sequence error aborts the build.
func Build(records iter.Seq2[*record.Record, error]) (*Index, error) {
	b := NewBuilder()
	for rec, err := range records {
		if err != nil {
			return nil, err
		}
		b.Add(rec)
	}
	return b.Index(), nil
}
