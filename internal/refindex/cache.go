package refindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"odbscope/internal/oid"
	"odbscope/internal/record"
)

// Cache persists decoded indexes keyed by the last committed transaction.
// Entries are zstd-compressed JSON lines, one record per line.
type Cache struct {
	Dir string
	Log *slog.Logger
}

type cachedRef struct {
	Target uint64 `json:"t"`
	Weak   bool   `json:"w,omitempty"`
	Attr   string `json:"a,omitempty"`
}

type cachedRecord struct {
	ID         uint64      `json:"oid"`
	TID        uint64      `json:"tid"`
	Class      string      `json:"class"`
	Size       int         `json:"size,omitempty"`
	Name       string      `json:"name,omitempty"`
	Refs       []cachedRef `json:"refs,omitempty"`
	External   int         `json:"ext,omitempty"`
	Unreadable bool        `json:"unreadable,omitempty"`
	ErrKind    string      `json:"err_kind,omitempty"`
	ErrCause   string      `json:"err_cause,omitempty"`
}

// Path returns the cache file for the snapshot ending at tid.
func (c *Cache) Path(tid oid.TID) string {
	return filepath.Join(c.Dir, fmt.Sprintf("refs_%s.jsonl.zst", tid))
}

// Load returns the cached Index for tid. A missing or corrupt entry is a miss.
func (c *Cache) Load(tid oid.TID) (*Index, bool) {
	path := c.Path(tid)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.Log.Warn("reading index cache", "path", path, "err", err)
		}
		return nil, false
	}
	defer f.Close()

	idx, err := Build(readCache(f))
	if err != nil {
		c.Log.Warn("ignoring corrupt index cache", "path", path, "err", err)
		return nil, false
	}
	c.Log.Debug("index loaded from cache", "path", path, "objects", idx.Len())
	return idx, true
}

func readCache(r io.Reader) iter.Seq2[*record.Record, error] {
	return func(yield func(*record.Record, error) bool) {
		decoder, err := zstd.NewReader(r)
		if err != nil {
			yield(nil, fmt.Errorf("creating zstd decoder: %w", err))
			return
		}
		defer decoder.Close()

		dec := json.NewDecoder(decoder)
		for {
			var cr cachedRecord
			if err := dec.Decode(&cr); err != nil {
				if err != io.EOF {
					yield(nil, fmt.Errorf("decoding cache entry: %w", err))
				}
				return
			}
			rec, err := cr.record()
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Save writes idx as the cache entry for tid. The file appears atomically.
func (c *Cache) Save(idx *Index, tid oid.TID) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(c.Dir, ".refs-*.tmp")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeCache(tmp, idx); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing cache file: %w", err)
	}

	path := c.Path(tid)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing cache file: %w", err)
	}
	c.Log.Debug("index cached", "path", path, "objects", idx.Len())
	return nil
}

func writeCache(w io.Writer, idx *Index) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	enc := json.NewEncoder(encoder)
	for rec := range idx.All() {
		if err := enc.Encode(fromRecord(rec)); err != nil {
			encoder.Close()
			return fmt.Errorf("encoding cache entry: %w", err)
		}
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("compressing cache: %w", err)
	}
	return nil
}

func fromRecord(rec *record.Record) cachedRecord {
	cr := cachedRecord{
		ID:         uint64(rec.ID),
		TID:        uint64(rec.TID),
		Class:      rec.Class,
		Size:       rec.Size,
		Name:       rec.Name,
		External:   rec.External,
		Unreadable: rec.Unreadable,
	}
	for _, ref := range rec.Refs {
		cr.Refs = append(cr.Refs, cachedRef{Target: uint64(ref.Target), Weak: ref.Kind == record.Weak, Attr: ref.Attr})
	}
	if rec.Err != nil {
		cr.ErrKind = rec.Err.Kind.String()
		if cause := rec.Err.Unwrap(); cause != nil {
			cr.ErrCause = cause.Error()
		}
	}
	return cr
}

func (cr cachedRecord) record() (*record.Record, error) {
	rec := &record.Record{
		ID:         oid.ID(cr.ID),
		TID:        oid.TID(cr.TID),
		Class:      cr.Class,
		Size:       cr.Size,
		Name:       cr.Name,
		External:   cr.External,
		Unreadable: cr.Unreadable,
	}
	for _, r := range cr.Refs {
		kind := record.Strong
		if r.Weak {
			kind = record.Weak
		}
		rec.Refs = append(rec.Refs, record.Reference{Target: oid.ID(r.Target), Kind: kind, Attr: r.Attr})
	}
	if cr.ErrKind != "" {
		kind, ok := record.ParseErrorKind(cr.ErrKind)
		if !ok {
			return nil, fmt.Errorf("cache entry %s: unknown error kind %q", rec.ID, cr.ErrKind)
		}
		var cause error
		if cr.ErrCause != "" {
			cause = errors.New(cr.ErrCause)
		}
		rec.Err = record.NewDecodeError(rec.ID, kind, cause)
	}
	return rec, nil
}
