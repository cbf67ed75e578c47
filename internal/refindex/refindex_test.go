package refindex

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odbscope/internal/oid"
	pt "odbscope/internal/pickletest"
	"odbscope/internal/record"
	"odbscope/internal/storage"
)

var discard = slog.New(slog.DiscardHandler)

func rec(id oid.ID, targets ...oid.ID) *record.Record {
	r := &record.Record{ID: id, TID: 1, Class: "app.Node"}
	for _, t := range targets {
		r.Refs = append(r.Refs, record.Reference{Target: t, Kind: record.Strong})
	}
	return r
}

func seq(recs ...*record.Record) iter.Seq2[*record.Record, error] {
	return func(yield func(*record.Record, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// assertConsistent checks that the reverse map is the exact inverse of the forward map.
func assertConsistent(t *testing.T, idx *Index) {
	t.Helper()
	for _, id := range idx.IDs() {
		for _, target := range idx.References(id) {
			assert.Contains(t, idx.ReferencedBy(target), id, "%s -> %s missing from reverse", id, target)
		}
	}
	for target, sources := range idx.reverse {
		for _, src := range sources {
			assert.Contains(t, idx.References(src), target, "%s <- %s missing from forward", target, src)
		}
	}
}

func TestBuild(t *testing.T) {
	idx, err := Build(seq(rec(0, 1, 2), rec(1, 2), rec(2), rec(3, 3)))
	require.NoError(t, err)

	assert.Equal(t, 4, idx.Len())
	assert.Equal(t, 4, idx.Edges())
	assert.Equal(t, []oid.ID{0, 1, 2, 3}, idx.IDs())
	assert.Equal(t, []oid.ID{1, 2}, idx.References(0))
	assert.Equal(t, []oid.ID{0, 1}, idx.ReferencedBy(2))
	assert.Equal(t, []oid.ID{3}, idx.ReferencedBy(3))
	assert.Empty(t, idx.ReferencedBy(0))
	assertConsistent(t, idx)

	got, err := idx.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, oid.ID(1), got.ID)

	var order []oid.ID
	for r := range idx.All() {
		order = append(order, r.ID)
	}
	assert.Equal(t, []oid.ID{0, 1, 2, 3}, order)
}

func TestBuild_LaterRecordWins(t *testing.T) {
	idx, err := Build(seq(rec(1, 2), rec(2), rec(3), rec(1, 3)))
	require.NoError(t, err)

	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, []oid.ID{3}, idx.References(1))
	assert.Empty(t, idx.ReferencedBy(2))
	assert.Equal(t, []oid.ID{1}, idx.ReferencedBy(3))
	assertConsistent(t, idx)
}

func TestBuild_DanglingTarget(t *testing.T) {
	idx, err := Build(seq(rec(1, 9)))
	require.NoError(t, err)

	assert.False(t, idx.Contains(9))
	assert.Equal(t, []oid.ID{1}, idx.ReferencedBy(9))

	_, err = idx.Lookup(9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuild_StreamError(t *testing.T) {
	boom := errors.New("read failed")
	records := func(yield func(*record.Record, error) bool) {
		if !yield(rec(1), nil) {
			return
		}
		yield(nil, boom)
	}
	_, err := Build(records)
	assert.ErrorIs(t, err, boom)
}

func TestDecoded_UnreadablePlaceholder(t *testing.T) {
	src := storage.NewMemory().
		Add(0, 1, pt.Object(1, 2)).
		Add(1, 1, pt.Object(2)).
		Add(2, 1, []byte{0x80, 0x02}).
		Add(3, 1, pt.Object(2))

	idx, err := Build(Decoded(src, discard)(context.Background()))
	require.NoError(t, err)

	assert.Equal(t, 4, idx.Len())
	assert.Equal(t, 1, idx.Unreadable())

	broken, err := idx.Lookup(2)
	require.NoError(t, err)
	assert.True(t, broken.Unreadable)
	require.NotNil(t, broken.Err)
	assert.Equal(t, record.Truncated, broken.Err.Kind)
	assert.Empty(t, idx.References(2))
	assert.Equal(t, []oid.ID{0, 1, 3}, idx.ReferencedBy(2))
	assertConsistent(t, idx)
}

func TestDecoded_SourceError(t *testing.T) {
	src := storage.NewMemory().Add(0, 1, pt.Object())
	src.Err = errors.New("disk gone")

	_, err := Build(Decoded(src, discard)(context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestHandle_Refresh(t *testing.T) {
	src := storage.NewMemory().Add(0, 1, pt.Object(1)).Add(1, 1, pt.Object())
	h := NewHandle(Decoded(src, discard), discard)
	assert.Nil(t, h.Current())

	first, err := h.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, h.Current())
	assert.Equal(t, 2, first.Len())

	src.Add(2, 2, pt.Object(0)).Add(1, 2, pt.Object(2))

	second, err := h.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, h.Current())
	assert.Equal(t, 3, second.Len())
	assert.Equal(t, []oid.ID{2}, second.References(1))

	// The earlier snapshot is untouched.
	assert.Equal(t, 2, first.Len())
	assert.Empty(t, first.References(1))

	src.Err = errors.New("disk gone")
	_, err = h.Refresh(context.Background())
	require.Error(t, err)
	assert.Same(t, second, h.Current())
}

func TestHandle_RefreshCancelled(t *testing.T) {
	src := storage.NewMemory().Add(0, 1, pt.Object())
	h := NewHandle(Decoded(src, discard), discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, h.Current())
}

func TestCache_RoundTrip(t *testing.T) {
	src := storage.NewMemory().
		Add(0, 5, pt.Record("app", "Root", pt.DictState(
			pt.Attr{Key: "id", Value: pt.StrValue("root")},
			pt.Attr{Key: "child", Value: pt.RefTo(1)},
		))).
		Add(1, 6, pt.Record("app", "Leaf", func(b *pt.Builder) {
			b.Mark().WeakRef(0).CrossRef("other", 4).Tuple()
		})).
		Add(2, 6, nil)

	want, err := Build(Decoded(src, discard)(context.Background()))
	require.NoError(t, err)

	c := &Cache{Dir: t.TempDir(), Log: discard}
	require.NoError(t, c.Save(want, 6))
	assert.FileExists(t, c.Path(6))

	got, ok := c.Load(6)
	require.True(t, ok)
	assert.Equal(t, want.IDs(), got.IDs())
	assert.Equal(t, want.Edges(), got.Edges())

	for _, id := range want.IDs() {
		w, _ := want.Lookup(id)
		g, err := got.Lookup(id)
		require.NoError(t, err)
		assert.Equal(t, w.TID, g.TID)
		assert.Equal(t, w.Class, g.Class)
		assert.Equal(t, w.Size, g.Size)
		assert.Equal(t, w.Name, g.Name)
		assert.Equal(t, w.External, g.External)
		assert.Equal(t, w.Targets(), g.Targets())
		assert.Equal(t, w.WeakTargets(), g.WeakTargets())
		assert.Equal(t, w.Unreadable, g.Unreadable)
		if w.Err != nil {
			require.NotNil(t, g.Err)
			assert.Equal(t, w.Err.Kind, g.Err.Kind)
			assert.Equal(t, w.Err.Error(), g.Err.Error())
		}
	}

	root, _ := got.Lookup(0)
	assert.Equal(t, "root", root.Name)
	assert.Equal(t, "child", root.AttrFor(1))
}

func TestCache_Miss(t *testing.T) {
	c := &Cache{Dir: t.TempDir(), Log: discard}

	_, ok := c.Load(1)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(c.Path(2), []byte("not zstd"), 0o644))
	_, ok = c.Load(2)
	assert.False(t, ok)

	entries, err := os.ReadDir(c.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed loads leave no temp files")
	assert.Equal(t, filepath.Base(c.Path(2)), entries[0].Name())
}
