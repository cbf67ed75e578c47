// Package inspect answers read-only questions about a reference index:
// describe, references in both directions, reachability, shortest paths and
// dangling references.
package inspect

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"odbscope/internal/oid"
	"odbscope/internal/record"
	"odbscope/internal/refindex"
)

var (
	ErrNoPath = errors.New("no path")
)

// Inspector queries one immutable Index. It is safe for concurrent use.
type Inspector struct {
	idx *refindex.Index

	mu    sync.Mutex
	reach map[string]*roaring64.Bitmap
}

func New(idx *refindex.Index) *Inspector {
	return &Inspector{idx: idx, reach: make(map[string]*roaring64.Bitmap)}
}

// Index returns the snapshot the inspector reads.
func (in *Inspector) Index() *refindex.Index { return in.idx }

// Describe returns the record for id. Unreadable objects are returned as
// placeholders, not as errors.
func (in *Inspector) Describe(id oid.ID) (*record.Record, error) {
	return in.idx.Lookup(id)
}

// Outgoing returns the objects id references, ascending.
func (in *Inspector) Outgoing(id oid.ID) ([]oid.ID, error) {
	if !in.idx.Contains(id) {
		return nil, fmt.Errorf("%w: %s", refindex.ErrNotFound, id)
	}
	return slices.Clone(in.idx.References(id)), nil
}

// Incoming returns the objects referencing id, ascending.
func (in *Inspector) Incoming(id oid.ID) ([]oid.ID, error) {
	if !in.idx.Contains(id) {
		return nil, fmt.Errorf("%w: %s", refindex.ErrNotFound, id)
	}
	return slices.Clone(in.idx.ReferencedBy(id)), nil
}

// IsReachable reports whether id can be reached from any of roots over strong
// references. Every root is reachable from itself.
func (in *Inspector) IsReachable(id oid.ID, roots []oid.ID) bool {
	return in.Reachable(roots).Contains(uint64(id))
}

// Reachable returns the set of ids reachable from roots, roots included.
// Results are memoized per root set; the bitmap must not be modified.
func (in *Inspector) Reachable(roots []oid.ID) *roaring64.Bitmap {
	key := rootKey(roots)

	in.mu.Lock()
	defer in.mu.Unlock()
	if bm, ok := in.reach[key]; ok {
		return bm
	}
	bm := in.mark(roots)
	in.reach[key] = bm
	return bm
}

// mark walks forward edges breadth-first from roots.
func (in *Inspector) mark(roots []oid.ID) *roaring64.Bitmap {
	visited := roaring64.New()
	queue := make([]oid.ID, 0, len(roots))
	for _, r := range roots {
		if !visited.Contains(uint64(r)) {
			visited.Add(uint64(r))
			queue = append(queue, r)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range in.idx.References(cur) {
			if visited.Contains(uint64(next)) {
				continue
			}
			visited.Add(uint64(next))
			queue = append(queue, next)
		}
	}
	return visited
}

func rootKey(roots []oid.ID) string {
	sorted := slices.Clone(roots)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var sb strings.Builder
	for i, r := range sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(r.String())
	}
	return sb.String()
}

// FindPath returns a shortest chain of strong references from one object to
// another, both ends included. Neighbours are explored in ascending oid order,
// so the result is stable across runs.
func (in *Inspector) FindPath(from, to oid.ID) ([]oid.ID, error) {
	if !in.idx.Contains(from) {
		return nil, fmt.Errorf("%w: %s", refindex.ErrNotFound, from)
	}
	if from == to {
		return []oid.ID{from}, nil
	}

	parent := map[oid.ID]oid.ID{from: from}
	queue := []oid.ID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range in.idx.References(cur) {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			if next == to {
				return unwind(parent, from, to), nil
			}
			queue = append(queue, next)
		}
	}
	return nil, fmt.Errorf("%w: %w from %s to %s", refindex.ErrNotFound, ErrNoPath, from, to)
}

func unwind(parent map[oid.ID]oid.ID, from, to oid.ID) []oid.ID {
	path := []oid.ID{to}
	for cur := to; cur != from; {
		cur = parent[cur]
		path = append(path, cur)
	}
	slices.Reverse(path)
	return path
}

// Dangling is a strong reference to an object that was never decoded.
type Dangling struct {
	Referrer oid.ID
	Missing  oid.ID
}

// DanglingReferences yields every dangling reference, ordered by referrer then
// target. The sequence can be restarted and stopped early.
func (in *Inspector) DanglingReferences() iter.Seq[Dangling] {
	return func(yield func(Dangling) bool) {
		for _, id := range in.idx.IDs() {
			for _, target := range in.idx.References(id) {
				if in.idx.Contains(target) {
					continue
				}
				if !yield(Dangling{Referrer: id, Missing: target}) {
					return
				}
			}
		}
	}
}

// Stats summarizes a snapshot.
type Stats struct {
	Objects    int
	Edges      int
	Unreadable int
	Dangling   int
	Missing    int
	Reachable  int
	Roots      []oid.ID
}

// Stats counts objects, edges and problems. Reachable counts decoded objects
// reachable from roots.
func (in *Inspector) Stats(roots []oid.ID) Stats {
	st := Stats{
		Objects:    in.idx.Len(),
		Edges:      in.idx.Edges(),
		Unreadable: in.idx.Unreadable(),
		Roots:      slices.Clone(roots),
	}

	missing := roaring64.New()
	for d := range in.DanglingReferences() {
		st.Dangling++
		missing.Add(uint64(d.Missing))
	}
	st.Missing = int(missing.GetCardinality())

	reach := in.Reachable(roots)
	for _, id := range in.idx.IDs() {
		if reach.Contains(uint64(id)) {
			st.Reachable++
		}
	}
	return st
}
