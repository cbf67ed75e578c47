// Package record decodes raw stored object records into object descriptors.
package record

import (
	"errors"
	"fmt"
	"slices"

	"odbscope/internal/oid"
)

// RefKind distinguishes how an object holds another.
type RefKind int

const (
	// Strong references keep their target alive and form graph edges.
	Strong RefKind = iota
	// Weak references are recorded but never keep their target alive.
	Weak
)

func (k RefKind) String() string {
	switch k {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	default:
		return fmt.Sprintf("RefKind(%d)", int(k))
	}
}

// Reference is one embedded reference found in a payload.
type Reference struct {
	Target oid.ID
	Kind   RefKind
	// Attr is the top-level state attribute holding the reference, if any.
	Attr string
}

// Record is a decoded snapshot of one object at one revision.
type Record struct {
	ID    oid.ID
	TID   oid.TID
	Class string
	Size  int
	// Name is the object's own id or __name__ attribute, when it has one.
	Name string
	Refs []Reference
	// External counts references into other databases.
	External int

	// Unreadable marks a placeholder for a payload that could not be parsed.
	Unreadable bool
	Err        *DecodeError
}

// Targets returns the strong reference targets in ascending order, without duplicates.
func (r *Record) Targets() []oid.ID {
	out := make([]oid.ID, 0, len(r.Refs))
	for _, ref := range r.Refs {
		if ref.Kind == Strong {
			out = append(out, ref.Target)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// WeakTargets returns the weak reference targets in ascending order, without duplicates.
func (r *Record) WeakTargets() []oid.ID {
	var out []oid.ID
	for _, ref := range r.Refs {
		if ref.Kind == Weak {
			out = append(out, ref.Target)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// AttrFor returns the attribute name under which r holds target, or "".
func (r *Record) AttrFor(target oid.ID) string {
	for _, ref := range r.Refs {
		if ref.Target == target && ref.Attr != "" {
			return ref.Attr
		}
	}
	return ""
}

// ErrorKind classifies a decode failure.
type ErrorKind int

const (
	Truncated ErrorKind = iota + 1
	UnknownEncoding
	CyclicSelfReference
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case UnknownEncoding:
		return "unknown-encoding"
	case CyclicSelfReference:
		return "cyclic-self-reference"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, bool) {
	for _, k := range []ErrorKind{Truncated, UnknownEncoding, CyclicSelfReference} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// DecodeError reports a payload that could not be structurally parsed.
type DecodeError struct {
	ID    oid.ID
	Kind  ErrorKind
	cause error
}

// NewDecodeError builds a DecodeError around cause.
func NewDecodeError(id oid.ID, kind ErrorKind, cause error) *DecodeError {
	return &DecodeError{ID: id, Kind: kind, cause: cause}
}

func (e *DecodeError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("decoding %s: %s", e.ID, e.Kind)
	}
	return fmt.Sprintf("decoding %s: %s: %v", e.ID, e.Kind, e.cause)
}

func (e *DecodeError) Unwrap() error { return e.cause }

// IsDecodeError reports whether err carries a DecodeError of the given kind.
func IsDecodeError(err error, kind ErrorKind) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Kind == kind
}
