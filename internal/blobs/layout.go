// Package blobs enumerates the blob files of a blob directory and maps each
// path back to the object and transaction it stores.
package blobs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"odbscope/internal/oid"
)

const (
	// LayoutMarker is the file naming the layout of a blob directory.
	LayoutMarker = ".layout"
	// Suffix ends every committed blob file name.
	Suffix = ".blob"
)

var (
	ErrUnknownLayout = errors.New("unknown blob layout")
)

// Layout maps object ids to blob directories and back.
// Paths are slash-separated and relative to the blob root.
type Layout interface {
	Name() string
	// Dir returns the directory holding every revision of id.
	Dir(id oid.ID) string
	// ParseDir is the inverse of Dir.
	ParseDir(dir string) (oid.ID, error)
}

// Bushy nests one directory per oid byte: 0x00/0x00/.../0x2a.
type Bushy struct{}

func (Bushy) Name() string { return "bushy" }

func (Bushy) Dir(id oid.ID) string {
	b := id.Bytes()
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("0x%02x", c)
	}
	return strings.Join(parts, "/")
}

func (Bushy) ParseDir(dir string) (oid.ID, error) {
	parts := strings.Split(dir, "/")
	if len(parts) != 8 {
		return 0, fmt.Errorf("want 8 directory levels, got %d", len(parts))
	}
	var v uint64
	for _, p := range parts {
		if len(p) != 4 || !strings.HasPrefix(p, "0x") {
			return 0, fmt.Errorf("bad directory %q", p)
		}
		c, err := strconv.ParseUint(p[2:], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("bad directory %q", p)
		}
		v = v<<8 | c
	}
	return oid.ID(v), nil
}

// Lawn keeps one flat directory per object, named by its oid.
type Lawn struct{}

func (Lawn) Name() string { return "lawn" }

func (Lawn) Dir(id oid.ID) string { return id.String() }

func (Lawn) ParseDir(dir string) (oid.ID, error) {
	if strings.Contains(dir, "/") {
		return 0, fmt.Errorf("want 1 directory level, got %q", dir)
	}
	v, err := parseRepr(dir)
	return oid.ID(v), err
}

// LayoutByName returns the named layout.
func LayoutByName(name string) (Layout, error) {
	switch strings.TrimSpace(name) {
	case "bushy":
		return Bushy{}, nil
	case "lawn":
		return Lawn{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayout, name)
	}
}

// DetectLayout reads the layout marker of root. Without one, an empty
// directory is bushy and a populated one is lawn.
func DetectLayout(root string) (Layout, error) {
	data, err := os.ReadFile(filepath.Join(root, LayoutMarker))
	if err == nil {
		return LayoutByName(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading layout marker: %w", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading blob dir: %w", err)
	}
	if len(entries) == 0 {
		return Bushy{}, nil
	}
	return Lawn{}, nil
}

// BlobPath returns the relative path of the blob for id at tid.
func BlobPath(l Layout, id oid.ID, tid oid.TID) string {
	return path.Join(l.Dir(id), tid.String()+Suffix)
}

// parseRepr parses the 0x-prefixed hex form used in blob paths.
func parseRepr(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") || len(s) < 3 || len(s) > 18 || !isHex(s[2:]) {
		return 0, fmt.Errorf("bad id %q", s)
	}
	id, err := oid.Parse(s)
	return uint64(id), err
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return s != ""
}
