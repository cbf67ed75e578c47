package inspect

import (
	"fmt"
	"slices"

	"odbscope/internal/oid"
	"odbscope/internal/record"
	"odbscope/internal/refindex"
)

// lookahead bounds how many referrer levels an attribute-less reference is
// judged by.
const lookahead = 3

// Reference scores, lower is better. Index-like containers reference
// everything, so they rank badly; tree internals and named parents rank well.
const (
	scoreNamed      = 10
	scoreGoodAttr   = 20
	scoreNamedLDAP  = 20
	scoreNoAttrGood = 30
	scoreDefault    = 50
	scoreNamedIntID = 60
	scoreNoAttr     = 70
	scoreBadAttr    = 80
	scoreMutual     = 90
)

type scoreKey struct {
	source, target oid.ID
	depth          int
}

type scorer struct {
	idx  *refindex.Index
	memo map[scoreKey]int
}

// score rates the reference source -> target as a parent/child link.
func (s *scorer) score(source, target oid.ID, depth int) int {
	key := scoreKey{source, target, depth}
	if v, ok := s.memo[key]; ok {
		return v
	}
	v := s.compute(source, target, depth)
	s.memo[key] = v
	return v
}

func (s *scorer) compute(source, target oid.ID, depth int) int {
	if _, mutual := slices.BinarySearch(s.idx.References(target), source); mutual {
		return scoreMutual
	}

	rec, err := s.idx.Lookup(source)
	if err != nil && source != oid.Root {
		return scoreNoAttr
	}
	switch idOf(source, rec) {
	case "":
	case "ldapauth":
		return scoreNamedLDAP
	case "IIntIds":
		return scoreNamedIntID
	default:
		return scoreNamed
	}

	switch rec.AttrFor(target) {
	case "ids", "refs", "_next":
		return scoreBadAttr
	case "_tree", "_blob":
		return scoreGoodAttr
	case "", "_firstbucket":
		if depth > 0 {
			for _, up := range s.idx.ReferencedBy(source) {
				if s.score(up, source, depth-1) <= scoreDefault {
					return scoreNoAttrGood
				}
			}
		}
		return scoreNoAttr
	}
	return scoreDefault
}

// OIDPath follows back-references from id towards a root, choosing at each
// step the best-scoring referrer not already on the path. The result starts
// with id. Ties go to the lower oid.
func (in *Inspector) OIDPath(id oid.ID) ([]oid.ID, error) {
	if !in.idx.Contains(id) {
		return nil, fmt.Errorf("%w: %s", refindex.ErrNotFound, id)
	}

	s := &scorer{idx: in.idx, memo: make(map[scoreKey]int)}
	path := []oid.ID{id}
	onPath := map[oid.ID]bool{id: true}
	for cur := id; ; {
		best, bestScore, found := oid.ID(0), 0, false
		for _, ref := range in.idx.ReferencedBy(cur) {
			if onPath[ref] {
				continue
			}
			if sc := s.score(ref, cur, lookahead); !found || sc < bestScore {
				best, bestScore, found = ref, sc, true
			}
		}
		if !found {
			return path, nil
		}
		path = append(path, best)
		onPath[best] = true
		cur = best
	}
}

// RootName is the name the root object goes by in ID paths.
const RootName = "Root"

// idOf returns the name of an object: RootName for the root, otherwise the
// name decoded from its state. rec may be nil.
func idOf(id oid.ID, rec *record.Record) string {
	if id == oid.Root {
		return RootName
	}
	if rec == nil {
		return ""
	}
	return rec.Name
}

// IDPath names each step of the OID path of id: the object's own name, or
// the attribute its parent holds it under. Steps with neither are empty.
// The last step has no parent, so only its own name counts.
func (in *Inspector) IDPath(id oid.ID) ([]string, error) {
	path, err := in.OIDPath(id)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(path))
	for i, child := range path {
		if i+1 < len(path) {
			names[i] = in.nameOf(child, path[i+1])
		} else {
			rec, _ := in.idx.Lookup(child)
			names[i] = idOf(child, rec)
		}
	}
	return names, nil
}

func (in *Inspector) nameOf(child, parent oid.ID) string {
	rec, _ := in.idx.Lookup(child)
	if name := idOf(child, rec); name != "" {
		return name
	}
	if rec, err := in.idx.Lookup(parent); err == nil {
		return rec.AttrFor(child)
	}
	return ""
}
