// Package app wires a storage source, the reference index and the blob
// directory into one inspection session.
package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"odbscope/internal/blobs"
	"odbscope/internal/inspect"
	"odbscope/internal/oid"
	"odbscope/internal/reconcile"
	"odbscope/internal/refindex"
	"odbscope/internal/storage"
)

var (
	ErrNoDatabase = errors.New("no database configured")
	ErrNoBlobDir  = errors.New("no blob directory configured")
)

// Options configures a Session.
type Options struct {
	Database string
	Blobs    string
	// Roots are extra roots on top of the source's own.
	Roots    []oid.ID
	CacheDir string
	NoCache  bool
	Layout   string
	Exclude  []string
	Log      *slog.Logger
}

// Session is one inspection of one database and blob directory. Sessions
// share no state, so several can be open at once.
type Session struct {
	opts   Options
	log    *slog.Logger
	src    storage.Source
	handle *refindex.Handle
	cache  *refindex.Cache

	mu   sync.Mutex
	insp *inspect.Inspector
}

// Open opens the configured database read-only.
func Open(opts Options) (*Session, error) {
	if opts.Database == "" {
		return nil, ErrNoDatabase
	}
	src, err := storage.OpenSQLite(opts.Database, storage.Options{ExtraRoots: opts.Roots})
	if err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	opts.Log.Debug("opened database", "path", src.Path(), "schema", src.Schema())
	return NewSession(src, opts), nil
}

// NewSession builds a session over an already open source.
func NewSession(src storage.Source, opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		opts:   opts,
		log:    log,
		src:    src,
		handle: refindex.NewHandle(refindex.Decoded(src, log), log),
	}
	if !opts.NoCache && opts.CacheDir != "" {
		s.cache = &refindex.Cache{Dir: opts.CacheDir, Log: log}
	}
	return s
}

// Source returns the underlying storage source.
func (s *Session) Source() storage.Source { return s.src }

// Roots returns the source roots plus the configured extra roots.
func (s *Session) Roots(ctx context.Context) ([]oid.ID, error) {
	roots, err := s.src.Roots(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading roots: %w", err)
	}
	for _, r := range s.opts.Roots {
		if !slices.Contains(roots, r) {
			roots = append(roots, r)
		}
	}
	return roots, nil
}

// Inspector returns an inspector over the current index, building it on first
// use. A cached index for the source's last transaction is used when present.
func (s *Session) Inspector(ctx context.Context) (*inspect.Inspector, error) {
	if idx := s.handle.Current(); idx != nil {
		return s.inspectorFor(idx), nil
	}

	tid, err := s.src.LastTransaction(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if idx, ok := s.cache.Load(tid); ok {
			s.handle.Set(idx)
			return s.inspectorFor(idx), nil
		}
	}
	return s.rebuild(ctx, tid)
}

// Refresh rebuilds the index from storage and replaces the cache entry.
// Inspectors handed out earlier keep answering from their old snapshot.
func (s *Session) Refresh(ctx context.Context) (*inspect.Inspector, error) {
	tid, err := s.src.LastTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return s.rebuild(ctx, tid)
}

func (s *Session) rebuild(ctx context.Context, tid oid.TID) (*inspect.Inspector, error) {
	idx, err := s.handle.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("building reference index: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Save(idx, tid); err != nil {
			s.log.Warn("saving index cache", "err", err)
		}
	}
	return s.inspectorFor(idx), nil
}

func (s *Session) inspectorFor(idx *refindex.Index) *inspect.Inspector {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insp == nil || s.insp.Index() != idx {
		s.insp = inspect.New(idx)
	}
	return s.insp
}

// Walker returns a walker over the configured blob directory.
func (s *Session) Walker() (*blobs.Walker, error) {
	if s.opts.Blobs == "" {
		return nil, ErrNoBlobDir
	}

	var layout blobs.Layout
	var err error
	if s.opts.Layout != "" {
		layout, err = blobs.LayoutByName(s.opts.Layout)
	} else {
		layout, err = blobs.DetectLayout(s.opts.Blobs)
	}
	if err != nil {
		return nil, err
	}
	s.log.Debug("blob layout", "dir", s.opts.Blobs, "layout", layout.Name())

	w := blobs.NewWalker(s.opts.Blobs, layout, s.log)
	w.Exclude = append(slices.Clone(blobs.DefaultExclude), s.opts.Exclude...)
	return w, nil
}

// Reconcile classifies every blob against the current index.
func (s *Session) Reconcile(ctx context.Context) (iter.Seq2[reconcile.Result, error], error) {
	w, err := s.Walker()
	if err != nil {
		return nil, err
	}
	insp, err := s.Inspector(ctx)
	if err != nil {
		return nil, err
	}
	roots, err := s.Roots(ctx)
	if err != nil {
		return nil, err
	}
	return reconcile.Reconcile(w.Walk(ctx), insp, roots), nil
}

// Close closes the storage source.
func (s *Session) Close() error {
	return s.src.Close()
}
