package blobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"odbscope/internal/oid"
)

// ErrNotDir is returned when the blob root is not a directory.
var ErrNotDir = errors.New("blob root is not a directory")

// DefaultExclude lists the engine's bookkeeping entries.
var DefaultExclude = []string{LayoutMarker, "tmp", "**/.lock"}

// Ref is one blob file found on disk. When Err is set the path could not be
// mapped to an object and only Path, RelPath and Size are meaningful.
type Ref struct {
	ID      oid.ID
	TID     oid.TID
	Path    string
	RelPath string
	Size    int64
	Err     *PathParseError
}

// Malformed reports whether the path failed to parse.
func (r Ref) Malformed() bool { return r.Err != nil }

// PathParseError reports a blob path that does not follow the layout.
type PathParseError struct {
	Path   string
	Reason string
}

func (e *PathParseError) Error() string {
	return fmt.Sprintf("unparsable blob path %q: %s", e.Path, e.Reason)
}

// WalkStats counts entries the walker passed over.
type WalkStats struct {
	Files    int
	Excluded int
	Skipped  int
}

// Walker enumerates the blob files under Root.
type Walker struct {
	Root    string
	Layout  Layout
	Exclude []string
	Log     *slog.Logger

	stats WalkStats
}

// NewWalker returns a walker over root using the default exclusions.
func NewWalker(root string, layout Layout, log *slog.Logger) *Walker {
	return &Walker{Root: root, Layout: layout, Exclude: DefaultExclude, Log: log}
}

// Stats returns the counters of the last walk.
func (w *Walker) Stats() WalkStats { return w.stats }

// Walk yields one Ref per regular file, in lexical order. Unparsable paths are
// yielded as malformed refs; filesystem errors end the walk. A symlinked root
// is followed; symlinks below it are not.
func (w *Walker) Walk(ctx context.Context) iter.Seq2[Ref, error] {
	return func(yield func(Ref, error) bool) {
		w.stats = WalkStats{}
		stopped := false

		root, err := resolveRoot(w.Root)
		if err != nil {
			yield(Ref{}, fmt.Errorf("walking blob dir: %w", err))
			return
		}

		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if rel == "." {
				return nil
			}

			if w.excluded(rel) {
				w.stats.Excluded++
				w.Log.Debug("excluded blob entry", "path", rel)
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !d.Type().IsRegular() {
				w.stats.Skipped++
				w.Log.Debug("skipping non-regular blob entry", "path", rel, "mode", d.Type())
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			w.stats.Files++

			ref := w.parse(rel)
			ref.Path = filepath.Join(w.Root, filepath.FromSlash(rel))
			ref.Size = info.Size()
			if !yield(ref, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield(Ref{}, fmt.Errorf("walking blob dir: %w", err))
		}
	}
}

// resolveRoot follows symlinks in root and checks that it names a directory.
func resolveRoot(root string) (string, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDir, root)
	}
	return resolved, nil
}

func (w *Walker) excluded(rel string) bool {
	for _, pattern := range w.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// parse maps a relative blob path to its object and transaction.
func (w *Walker) parse(rel string) Ref {
	ref := Ref{RelPath: rel}
	fail := func(reason string) Ref {
		ref.Err = &PathParseError{Path: rel, Reason: reason}
		return ref
	}

	dir, name := path.Split(rel)
	dir = strings.TrimSuffix(dir, "/")
	stem, ok := strings.CutSuffix(name, Suffix)
	if !ok {
		return fail("missing " + Suffix + " suffix")
	}
	tid, err := parseRepr(stem)
	if err != nil {
		return fail("transaction: " + err.Error())
	}
	if dir == "" {
		return fail("no object directory")
	}
	id, err := w.Layout.ParseDir(dir)
	if err != nil {
		return fail(w.Layout.Name() + " layout: " + err.Error())
	}

	ref.ID = id
	ref.TID = oid.TID(tid)
	return ref
}
