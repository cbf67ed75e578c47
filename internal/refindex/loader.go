package refindex

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"odbscope/internal/record"
	"odbscope/internal/storage"
)

const progressEvery = 100_000

// Loader produces a fresh record stream on every call.
type Loader func(ctx context.Context) iter.Seq2[*record.Record, error]

// Decoded returns a Loader that decodes the records of src. Unreadable
// payloads become placeholder records; only storage errors end the stream.
func Decoded(src storage.Source, log *slog.Logger) Loader {
	return func(ctx context.Context) iter.Seq2[*record.Record, error] {
		return func(yield func(*record.Record, error) bool) {
			for raw, err := range src.Records(ctx) {
				if err != nil {
					yield(nil, fmt.Errorf("reading records: %w", err))
					return
				}
				meta := record.Metadata{TID: raw.TID, TypeHint: raw.TypeHint}
				rec, err := record.Decode(raw.ID, raw.Payload, meta)
				if err != nil {
					log.Warn("unreadable record", "oid", raw.ID, "kind", rec.Err.Kind, "err", err)
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// Handle owns the current Index and replaces it wholesale on refresh.
// Readers holding an older Index keep a consistent snapshot.
type Handle struct {
	load Loader
	log  *slog.Logger
	cur  atomic.Pointer[Index]
}

func NewHandle(load Loader, log *slog.Logger) *Handle {
	return &Handle{load: load, log: log}
}

// Current returns the latest built Index, or nil before the first build.
func (h *Handle) Current() *Index {
	return h.cur.Load()
}

// Set installs an Index built elsewhere, e.g. loaded from cache.
func (h *Handle) Set(idx *Index) {
	h.cur.Store(idx)
}

// Refresh re-runs the full build. On error the previous Index stays current.
func (h *Handle) Refresh(ctx context.Context) (*Index, error) {
	start := time.Now()
	h.log.Info("building reference index")

	b := NewBuilder()
	seen := 0
	for rec, err := range h.load(ctx) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.Add(rec)
		seen++
		if seen%progressEvery == 0 {
			h.log.Info("building reference index", "records", seen, "elapsed", time.Since(start).Round(time.Millisecond))
		}
	}

	idx := b.Index()
	h.cur.Store(idx)
	h.log.Info("reference index built",
		"records", seen,
		"objects", idx.Len(),
		"edges", idx.Edges(),
		"unreadable", idx.Unreadable(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return idx, nil
}
