package inspect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odbscope/internal/oid"
	"odbscope/internal/record"
	"odbscope/internal/refindex"
)

type ref struct {
	to   oid.ID
	attr string
}

func node(id oid.ID, name string, refs ...ref) *record.Record {
	r := &record.Record{ID: id, TID: 1, Class: "app.Node", Name: name}
	for _, x := range refs {
		r.Refs = append(r.Refs, record.Reference{Target: x.to, Kind: record.Strong, Attr: x.attr})
	}
	return r
}

func to(ids ...oid.ID) []ref {
	out := make([]ref, len(ids))
	for i, id := range ids {
		out[i] = ref{to: id}
	}
	return out
}

func build(t *testing.T, recs ...*record.Record) *Inspector {
	t.Helper()
	idx, err := refindex.Build(func(yield func(*record.Record, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	})
	require.NoError(t, err)
	return New(idx)
}

func collectDangling(in *Inspector) []Dangling {
	var out []Dangling
	for d := range in.DanglingReferences() {
		out = append(out, d)
	}
	return out
}

func TestChain(t *testing.T) {
	const a, b, c = 0, 1, 2
	in := build(t, node(a, "", to(b)...), node(b, "", to(c)...), node(c, ""))

	assert.True(t, in.IsReachable(c, []oid.ID{a}))
	assert.False(t, in.IsReachable(a, []oid.ID{b}))

	path, err := in.FindPath(a, c)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{a, b, c}, path)

	out, err := in.Outgoing(b)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{c}, out)

	inc, err := in.Incoming(b)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{a}, inc)

	assert.Empty(t, collectDangling(in))
}

func TestSelfReference(t *testing.T) {
	const a = 5
	in := build(t, node(a, "", to(a)...))

	assert.True(t, in.IsReachable(a, []oid.ID{a}))

	path, err := in.FindPath(a, a)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{a}, path)

	assert.Empty(t, collectDangling(in))
}

func TestCycles(t *testing.T) {
	in := build(t,
		node(0, "", to(1)...),
		node(1, "", to(2)...),
		node(2, "", to(1, 0)...),
		node(5, "", to(6)...),
		node(6, "", to(5)...),
	)

	roots := []oid.ID{0}
	for _, id := range []oid.ID{0, 1, 2} {
		assert.True(t, in.IsReachable(id, roots), "%s", id)
	}
	assert.False(t, in.IsReachable(5, roots))
	assert.False(t, in.IsReachable(6, roots))

	path, err := in.FindPath(2, 1)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{2, 1}, path)

	_, err = in.FindPath(0, 5)
	assert.ErrorIs(t, err, ErrNoPath)
	assert.ErrorIs(t, err, refindex.ErrNotFound)
}

func TestEveryRootReachesItself(t *testing.T) {
	in := build(t, node(0, "", to(1)...), node(1, ""))

	// Roots count even when they were never decoded.
	roots := []oid.ID{0, 42}
	for _, r := range roots {
		assert.True(t, in.IsReachable(r, roots))
	}
}

func TestFindPath_StableTieBreak(t *testing.T) {
	in := build(t,
		node(0, "", to(2, 1)...),
		node(1, "", to(3)...),
		node(2, "", to(3)...),
		node(3, ""),
	)

	for range 5 {
		path, err := in.FindPath(0, 3)
		require.NoError(t, err)
		assert.Equal(t, []oid.ID{0, 1, 3}, path)
	}
}

func TestFindPath_UnknownStart(t *testing.T) {
	in := build(t, node(0, ""))

	_, err := in.FindPath(9, 0)
	assert.ErrorIs(t, err, refindex.ErrNotFound)
	assert.False(t, errors.Is(err, ErrNoPath))
}

func TestUnreadableObject(t *testing.T) {
	const e = 0x0e
	broken := &record.Record{
		ID:         e,
		Class:      "unknown",
		Unreadable: true,
		Err:        record.NewDecodeError(e, record.UnknownEncoding, nil),
	}
	in := build(t, node(0, "", to(1, e)...), node(1, ""), broken)

	rec, err := in.Describe(e)
	require.NoError(t, err)
	assert.True(t, rec.Unreadable)
	assert.Equal(t, record.UnknownEncoding, rec.Err.Kind)

	assert.True(t, in.IsReachable(e, []oid.ID{0}))
	assert.Equal(t, 3, in.Index().Len())
	assert.Equal(t, 1, in.Index().Unreadable())
}

func TestNotFound(t *testing.T) {
	in := build(t, node(0, "", to(9)...))

	_, err := in.Describe(9)
	assert.ErrorIs(t, err, refindex.ErrNotFound)
	_, err = in.Outgoing(9)
	assert.ErrorIs(t, err, refindex.ErrNotFound)
	_, err = in.Incoming(9)
	assert.ErrorIs(t, err, refindex.ErrNotFound)

	// Unreachable but present is an answer, not an error.
	in = build(t, node(0, ""), node(3, ""))
	_, err = in.Describe(3)
	require.NoError(t, err)
	assert.False(t, in.IsReachable(3, []oid.ID{0}))
}

func TestDanglingReferences(t *testing.T) {
	in := build(t,
		node(0, "", to(1, 9)...),
		node(1, "", to(8, 9)...),
	)

	assert.Equal(t, []Dangling{
		{Referrer: 0, Missing: 9},
		{Referrer: 1, Missing: 8},
		{Referrer: 1, Missing: 9},
	}, collectDangling(in))

	var first []Dangling
	for d := range in.DanglingReferences() {
		first = append(first, d)
		break
	}
	assert.Equal(t, []Dangling{{Referrer: 0, Missing: 9}}, first)

	// Restartable.
	assert.Len(t, collectDangling(in), 3)
}

func TestReachable_Memoized(t *testing.T) {
	in := build(t, node(0, "", to(1)...), node(1, ""), node(2, ""))

	a := in.Reachable([]oid.ID{0})
	b := in.Reachable([]oid.ID{0, 0})
	assert.Same(t, a, b)
	assert.Equal(t, uint64(2), a.GetCardinality())

	c := in.Reachable([]oid.ID{2, 0})
	assert.NotSame(t, a, c)
	assert.Equal(t, uint64(3), c.GetCardinality())
}

func TestStats(t *testing.T) {
	in := build(t,
		node(0, "", to(1, 9)...),
		node(1, "", to(9, 8)...),
		node(4, ""),
		&record.Record{ID: 5, Unreadable: true, Err: record.NewDecodeError(5, record.Truncated, nil)},
	)

	st := in.Stats([]oid.ID{0})
	assert.Equal(t, 4, st.Objects)
	assert.Equal(t, 4, st.Edges)
	assert.Equal(t, 1, st.Unreadable)
	assert.Equal(t, 3, st.Dangling)
	assert.Equal(t, 2, st.Missing)
	assert.Equal(t, 2, st.Reachable)
	assert.Equal(t, []oid.ID{0}, st.Roots)
}

func TestOIDPath(t *testing.T) {
	in := build(t,
		node(0, "", ref{1, "site"}),
		node(1, "site", ref{2, "_tree"}),
		node(2, "", ref{3, ""}),
		node(3, "doc"),
		node(4, "IIntIds", ref{3, "refs"}),
	)

	path, err := in.OIDPath(3)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{3, 2, 1, 0}, path)

	names, err := in.IDPath(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc", "_tree", "site", RootName}, names)

	path, err = in.OIDPath(0)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{0}, path)

	names, err = in.IDPath(0)
	require.NoError(t, err)
	assert.Equal(t, []string{RootName}, names)

	_, err = in.OIDPath(77)
	assert.ErrorIs(t, err, refindex.ErrNotFound)
}

func TestOIDPath_AvoidsMutualReferences(t *testing.T) {
	in := build(t,
		node(5, "", ref{6, "relation"}),
		node(6, "", ref{5, "from"}),
		node(7, "", ref{6, "x"}),
	)

	path, err := in.OIDPath(6)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{6, 7}, path)
}

func TestOIDPath_TerminatesOnCycles(t *testing.T) {
	in := build(t,
		node(1, "", to(2)...),
		node(2, "", to(3)...),
		node(3, "", to(1)...),
	)

	path, err := in.OIDPath(1)
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{1, 3, 2}, path)
}

func TestScore(t *testing.T) {
	in := build(t,
		node(0, "", ref{10, "data"}),
		node(1, "named", ref{10, "x"}),
		node(2, "ldapauth", ref{10, ""}),
		node(3, "", ref{10, "ids"}),
		node(4, "", ref{10, "_blob"}),
		node(5, "", ref{10, "other"}),
		node(6, "", ref{10, "_firstbucket"}),
		node(10, ""),
	)
	s := &scorer{idx: in.Index(), memo: make(map[scoreKey]int)}

	tests := []struct {
		source oid.ID
		want   int
	}{
		{0, scoreNamed},
		{1, scoreNamed},
		{2, scoreNamedLDAP},
		{3, scoreBadAttr},
		{4, scoreGoodAttr},
		{5, scoreDefault},
		{6, scoreNoAttr},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.score(tt.source, 10, lookahead), "source %s", tt.source)
	}
}
