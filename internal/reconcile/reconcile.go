// Package reconcile classifies blob files against the object graph.
package reconcile

import (
	"errors"
	"fmt"
	"iter"

	"odbscope/internal/blobs"
	"odbscope/internal/oid"
	"odbscope/internal/record"
	"odbscope/internal/refindex"
)

// Verdict is the classification of one blob file.
type Verdict int

const (
	// Live blobs belong to a decoded object reachable from a root.
	Live Verdict = iota
	// Orphaned blobs belong to an object that is missing or unreachable.
	Orphaned
	// Malformed blobs have a path that does not name an object revision.
	Malformed
)

var verdicts = []Verdict{Live, Orphaned, Malformed}

func (v Verdict) String() string {
	switch v {
	case Live:
		return "live"
	case Orphaned:
		return "orphaned"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// ParseVerdict is the inverse of Verdict.String.
func ParseVerdict(s string) (Verdict, error) {
	for _, v := range verdicts {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown verdict %q (want live, orphaned or malformed)", s)
}

// Graph is the part of the inspector reconciliation needs.
type Graph interface {
	Describe(id oid.ID) (*record.Record, error)
	IsReachable(id oid.ID, roots []oid.ID) bool
}

// Result is the verdict for one blob.
type Result struct {
	Blob    blobs.Ref
	Verdict Verdict
	Reason  string
	// Stale marks a blob whose revision differs from the object's current one.
	Stale bool
	// CurrentTID is the object's current revision, when it was decoded.
	CurrentTID oid.TID
}

const (
	reasonMissing     = "object not in database"
	reasonUnreachable = "object unreachable from roots"
)

// Classify returns the verdict for a single blob.
func Classify(ref blobs.Ref, g Graph, roots []oid.ID) (Result, error) {
	res := Result{Blob: ref}
	if ref.Malformed() {
		res.Verdict = Malformed
		res.Reason = ref.Err.Reason
		return res, nil
	}

	rec, err := g.Describe(ref.ID)
	switch {
	case errors.Is(err, refindex.ErrNotFound):
		res.Verdict = Orphaned
		res.Reason = reasonMissing
		return res, nil
	case err != nil:
		return Result{}, fmt.Errorf("describing %s: %w", ref.ID, err)
	}

	res.CurrentTID = rec.TID
	res.Stale = rec.TID != ref.TID
	if g.IsReachable(ref.ID, roots) {
		res.Verdict = Live
	} else {
		res.Verdict = Orphaned
		res.Reason = reasonUnreachable
	}
	return res, nil
}

// Reconcile yields one Result per blob in walk order. Errors from the walk
// are passed through and end the sequence.
func Reconcile(refs iter.Seq2[blobs.Ref, error], g Graph, roots []oid.ID) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		for ref, err := range refs {
			if err != nil {
				yield(Result{}, err)
				return
			}
			res, err := Classify(ref, g, roots)
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}

// Summary tallies results by verdict.
type Summary struct {
	Total int
	Count map[Verdict]int
	Bytes map[Verdict]int64
	Stale int
}

func NewSummary() *Summary {
	return &Summary{Count: make(map[Verdict]int), Bytes: make(map[Verdict]int64)}
}

// Add counts one result.
func (s *Summary) Add(r Result) {
	s.Total++
	s.Count[r.Verdict]++
	s.Bytes[r.Verdict] += r.Blob.Size
	if r.Stale {
		s.Stale++
	}
}

// Verdicts lists every verdict in display order.
func Verdicts() []Verdict { return verdicts }
