package record

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"

	pickle "github.com/kisielk/og-rek"

	"odbscope/internal/oid"
)

// Metadata is what the storage engine attaches to a record besides its payload.
type Metadata struct {
	TID      oid.TID
	TypeHint string
}

// tracked replaces a persistent reference in the decoded value tree so the
// walk can tie it back to the pid it came from.
type tracked struct {
	index int
}

// Decode turns one raw record into a Record.
//
// The payload is the class metadata pickle followed by the state pickle. The
// pickles are decoded into a passive value tree; no Python code is imported or
// called. On failure the returned Record is a placeholder marked Unreadable
// and the error is a *DecodeError.
func Decode(id oid.ID, payload []byte, meta Metadata) (*Record, error) {
	rec := &Record{ID: id, TID: meta.TID, Class: meta.TypeHint, Size: len(payload)}

	var pids []interface{}
	d := pickle.NewDecoderWithConfig(bytes.NewReader(payload), &pickle.DecoderConfig{
		PersistentLoad: func(ref pickle.Ref) (interface{}, error) {
			pids = append(pids, ref.Pid)
			return tracked{index: len(pids) - 1}, nil
		},
	})

	klass, err := d.Decode()
	if err != nil {
		return placeholder(rec, classify(id, err))
	}
	classPids := len(pids)

	state, err := d.Decode()
	if err != nil {
		return placeholder(rec, classify(id, err))
	}

	if name := className(klass); name != "" {
		rec.Class = name
	}
	if rec.Class == "" {
		rec.Class = "unknown"
	}

	refs := make([]Reference, len(pids))
	isRef := make([]bool, len(pids))
	for i, pid := range pids {
		target, kind, external, err := parsePid(pid)
		if err != nil {
			return placeholder(rec, NewDecodeError(id, UnknownEncoding, err))
		}
		if external {
			rec.External++
			continue
		}
		if i < classPids && kind == Strong && target == id {
			return placeholder(rec, NewDecodeError(id, CyclicSelfReference,
				fmt.Errorf("class metadata refers to the object itself")))
		}
		refs[i] = Reference{Target: target, Kind: kind}
		isRef[i] = true
	}
	if classPids > 0 && rec.Class == "unknown" {
		if isRef[0] {
			rec.Class = fmt.Sprintf("<persistent class %s>", refs[0].Target)
		}
	}

	rec.Name = annotate(state, refs)
	for i := range refs {
		if isRef[i] {
			rec.Refs = append(rec.Refs, refs[i])
		}
	}
	return rec, nil
}

func placeholder(rec *Record, err *DecodeError) (*Record, error) {
	rec.Unreadable = true
	rec.Err = err
	rec.Refs = nil
	rec.External = 0
	if rec.Class == "" {
		rec.Class = "unknown"
	}
	return rec, err
}

func classify(id oid.ID, err error) *DecodeError {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewDecodeError(id, Truncated, err)
	}
	return NewDecodeError(id, UnknownEncoding, err)
}

// className extracts "module.Name" from class metadata, which is either a
// class or a (class, args) tuple.
func className(v interface{}) string {
	switch k := v.(type) {
	case pickle.Class:
		return k.Module + "." + k.Name
	case pickle.Tuple:
		if len(k) > 0 {
			return className(k[0])
		}
	case pickle.Call:
		return k.Callable.Module + "." + k.Callable.Name
	}
	return ""
}

// parsePid interprets a persistent id.
func parsePid(pid interface{}) (target oid.ID, kind RefKind, external bool, err error) {
	switch p := pid.(type) {
	case pickle.Tuple:
		// (oid, class)
		if len(p) == 0 {
			return 0, 0, false, fmt.Errorf("empty persistent id tuple")
		}
		target, err = oidFrom(p[0])
		return target, Strong, false, err
	case []interface{}:
		// [kind, args]
		if len(p) != 2 {
			return 0, 0, false, fmt.Errorf("persistent id list has %d items", len(p))
		}
		tag, _ := asString(p[0])
		args, ok := p[1].(pickle.Tuple)
		if !ok || len(args) == 0 {
			return 0, 0, false, fmt.Errorf("persistent id %q has no arguments", tag)
		}
		switch tag {
		case "w":
			target, err = oidFrom(args[0])
			return target, Weak, false, err
		case "n", "m":
			return 0, 0, true, nil
		default:
			return 0, 0, false, fmt.Errorf("unknown persistent id kind %q", tag)
		}
	default:
		target, err = oidFrom(pid)
		return target, Strong, false, err
	}
}

func oidFrom(v interface{}) (oid.ID, error) {
	s, ok := asString(v)
	if !ok {
		return 0, fmt.Errorf("oid has type %T", v)
	}
	return oid.FromBytes([]byte(s))
}

// asString accepts any string-kinded pickle value (str, bytes, unicode).
func asString(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.String {
		return "", false
	}
	return rv.String(), true
}

// annotate walks the decoded state, records under which top-level attribute
// each reference was found and returns the object's own name, if any.
func annotate(state interface{}, refs []Reference) string {
	type item struct {
		v    interface{}
		attr string
	}

	var name string
	var stack []item
	for _, d := range topLevelDicts(state) {
		for k, v := range d {
			key, ok := asString(k)
			if !ok {
				stack = append(stack, item{v: k}, item{v: v})
				continue
			}
			if key == "id" || key == "__name__" {
				if s, ok := asString(v); ok && (name == "" || key == "id") {
					name = s
				}
			}
			stack = append(stack, item{v: v, attr: key})
		}
	}
	if len(stack) == 0 {
		stack = append(stack, item{v: state})
	}

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch v := it.v.(type) {
		case tracked:
			if v.index < len(refs) && refs[v.index].Attr == "" {
				refs[v.index].Attr = it.attr
			}
		case pickle.Tuple:
			for _, e := range v {
				stack = append(stack, item{v: e, attr: it.attr})
			}
		case []interface{}:
			for _, e := range v {
				stack = append(stack, item{v: e, attr: it.attr})
			}
		case map[interface{}]interface{}:
			for k, e := range v {
				stack = append(stack, item{v: k, attr: it.attr}, item{v: e, attr: it.attr})
			}
		case pickle.Call:
			for _, e := range v.Args {
				stack = append(stack, item{v: e, attr: it.attr})
			}
		}
	}
	return name
}

// topLevelDicts returns the attribute dicts of a state: the state itself when
// it is a dict, or the dicts directly inside a state tuple.
func topLevelDicts(state interface{}) []map[interface{}]interface{} {
	switch s := state.(type) {
	case map[interface{}]interface{}:
		return []map[interface{}]interface{}{s}
	case pickle.Tuple:
		var out []map[interface{}]interface{}
		for _, e := range s {
			if d, ok := e.(map[interface{}]interface{}); ok {
				out = append(out, d)
			}
		}
		return out
	}
	return nil
}
