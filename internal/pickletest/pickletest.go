// Package pickletest builds ZODB-shaped pickle payloads for tests.
//
// The builder emits raw protocol 2 opcodes, so tests can produce exactly the
// byte sequences the engine stores, including broken ones.
package pickletest

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"odbscope/internal/oid"
)

const (
	opProto          = 0x80
	opStop           = '.'
	opMark           = '('
	opGlobal         = 'c'
	opNone           = 'N'
	opEmptyDict      = '}'
	opEmptyList      = ']'
	opTuple          = 't'
	opTuple2         = 0x86
	opShortBinString = 'U'
	opBinString      = 'T'
	opBinUnicode     = 'X'
	opBinInt1        = 'K'
	opBinInt         = 'J'
	opBinPersID      = 'Q'
	opSetItem        = 's'
	opSetItems       = 'u'
	opAppends        = 'e'
)

// Builder accumulates pickle opcodes.
type Builder struct {
	buf bytes.Buffer
}

// New returns a builder positioned after a protocol 2 header.
func New() *Builder {
	b := &Builder{}
	b.buf.Write([]byte{opProto, 2})
	return b
}

// Raw appends arbitrary bytes.
func (b *Builder) Raw(p ...byte) *Builder {
	b.buf.Write(p)
	return b
}

func (b *Builder) Global(module, name string) *Builder {
	b.buf.WriteByte(opGlobal)
	b.buf.WriteString(module + "\n" + name + "\n")
	return b
}

func (b *Builder) None() *Builder      { return b.Raw(opNone) }
func (b *Builder) Mark() *Builder      { return b.Raw(opMark) }
func (b *Builder) EmptyDict() *Builder { return b.Raw(opEmptyDict) }
func (b *Builder) EmptyList() *Builder { return b.Raw(opEmptyList) }
func (b *Builder) Tuple() *Builder     { return b.Raw(opTuple) }
func (b *Builder) Tuple2() *Builder    { return b.Raw(opTuple2) }
func (b *Builder) PersID() *Builder    { return b.Raw(opBinPersID) }
func (b *Builder) SetItem() *Builder   { return b.Raw(opSetItem) }
func (b *Builder) SetItems() *Builder  { return b.Raw(opSetItems) }
func (b *Builder) Appends() *Builder   { return b.Raw(opAppends) }
func (b *Builder) Stop() *Builder      { return b.Raw(opStop) }

// Str pushes a byte string (a Python 2 str).
func (b *Builder) Str(s string) *Builder {
	if len(s) < 256 {
		b.buf.WriteByte(opShortBinString)
		b.buf.WriteByte(byte(len(s)))
	} else {
		b.buf.WriteByte(opBinString)
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		b.buf.Write(n[:])
	}
	b.buf.WriteString(s)
	return b
}

// Unicode pushes a text string.
func (b *Builder) Unicode(s string) *Builder {
	b.buf.WriteByte(opBinUnicode)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	b.buf.Write(n[:])
	b.buf.WriteString(s)
	return b
}

// Int pushes a small non-negative integer.
func (b *Builder) Int(v int) *Builder {
	if v >= 0 && v < 256 {
		return b.Raw(opBinInt1, byte(v))
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(int32(v)))
	b.buf.WriteByte(opBinInt)
	b.buf.Write(n[:])
	return b
}

// Ref pushes a strong persistent reference: (oid, class) followed by BINPERSID.
func (b *Builder) Ref(id oid.ID, module, name string) *Builder {
	return b.Str(string(id.Bytes())).Global(module, name).Tuple2().PersID()
}

// BareRef pushes a persistent reference whose pid is the oid string alone.
func (b *Builder) BareRef(id oid.ID) *Builder {
	return b.Str(string(id.Bytes())).PersID()
}

// WeakRef pushes ['w', (oid,)] followed by BINPERSID.
func (b *Builder) WeakRef(id oid.ID) *Builder {
	return b.EmptyList().Mark().Str("w").Mark().Str(string(id.Bytes())).Tuple().Appends().PersID()
}

// CrossRef pushes ['n', (db, oid)] followed by BINPERSID.
func (b *Builder) CrossRef(db string, id oid.ID) *Builder {
	return b.EmptyList().Mark().Str("n").Mark().Str(db).Str(string(id.Bytes())).Tuple().Appends().PersID()
}

// Bytes returns the accumulated pickle.
func (b *Builder) Bytes() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// Class returns a class metadata pickle: (module.name, None).
func Class(module, name string) []byte {
	return New().Global(module, name).None().Tuple2().Stop().Bytes()
}

// Record concatenates a class metadata pickle and a state pickle whose body
// is written by state. The state callback must leave exactly one value on the stack.
func Record(module, name string, state func(b *Builder)) []byte {
	body := New()
	state(body)
	body.Stop()
	return append(Class(module, name), body.Bytes()...)
}

// Attr is one entry of a dict state.
type Attr struct {
	Key   string
	Value func(b *Builder)
}

// DictState writes a dict state with the given attributes.
func DictState(attrs ...Attr) func(b *Builder) {
	return func(b *Builder) {
		b.EmptyDict()
		if len(attrs) == 0 {
			return
		}
		b.Mark()
		for _, a := range attrs {
			b.Str(a.Key)
			a.Value(b)
		}
		b.SetItems()
	}
}

// RefTo is an attribute value holding a strong reference.
func RefTo(id oid.ID) func(b *Builder) {
	return func(b *Builder) { b.Ref(id, "persistent.mapping", "PersistentMapping") }
}

// StrValue is an attribute value holding a string.
func StrValue(s string) func(b *Builder) {
	return func(b *Builder) { b.Str(s) }
}

// Object is a shortcut for a PersistentMapping-like record whose dict state
// maps "ref<N>" to each target.
func Object(targets ...oid.ID) []byte {
	attrs := make([]Attr, 0, len(targets))
	for i, t := range targets {
		attrs = append(attrs, Attr{Key: "ref" + strconv.Itoa(i), Value: RefTo(t)})
	}
	return Record("persistent.mapping", "PersistentMapping", DictState(attrs...))
}
