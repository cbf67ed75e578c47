package report

import (
	"iter"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"odbscope/internal/inspect"
	"odbscope/internal/oid"
	"odbscope/internal/record"
	"odbscope/internal/storage"
)

func reprs(ids []oid.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// Object is the printable description of one object.
type Object struct {
	OID          string   `json:"oid"`
	TID          string   `json:"tid"`
	Class        string   `json:"class"`
	Name         string   `json:"name,omitempty"`
	Size         int      `json:"size"`
	Unreadable   bool     `json:"unreadable,omitempty"`
	Error        string   `json:"error,omitempty"`
	References   []string `json:"references"`
	Weak         []string `json:"weakReferences,omitempty"`
	External     int      `json:"externalReferences,omitempty"`
	ReferencedBy []string `json:"referencedBy"`
	OIDPath      []string `json:"oidPath,omitempty"`
	IDPath       []string `json:"idPath,omitempty"`
}

// NewObject builds the description of rec. Paths may be nil.
func NewObject(rec *record.Record, referencedBy []oid.ID, oidPath []oid.ID, idPath []string) Object {
	obj := Object{
		OID:          rec.ID.String(),
		TID:          rec.TID.String(),
		Class:        rec.Class,
		Name:         rec.Name,
		Size:         rec.Size,
		Unreadable:   rec.Unreadable,
		References:   reprs(rec.Targets()),
		Weak:         reprs(rec.WeakTargets()),
		External:     rec.External,
		ReferencedBy: reprs(referencedBy),
		IDPath:       idPath,
	}
	if rec.Err != nil {
		obj.Error = rec.Err.Error()
	}
	if oidPath != nil {
		obj.OIDPath = reprs(oidPath)
	}
	return obj
}

func (p *Printer) Object(obj Object) error {
	if p.format == FormatJSON {
		return p.json(obj)
	}

	pairs := [][2]string{
		{"OID", obj.OID},
		{"TID", obj.TID},
		{"Class", obj.Class},
		{"Name", orDash(obj.Name)},
		{"Size", humanize.Bytes(uint64(obj.Size))},
	}
	if obj.Unreadable {
		pairs = append(pairs, [2]string{"Unreadable", obj.Error})
	}
	pairs = append(pairs,
		[2]string{"References", orDash(strings.Join(obj.References, " "))},
		[2]string{"Referenced by", orDash(strings.Join(obj.ReferencedBy, " "))},
	)
	if len(obj.Weak) > 0 {
		pairs = append(pairs, [2]string{"Weak refs", strings.Join(obj.Weak, " ")})
	}
	if obj.External > 0 {
		pairs = append(pairs, [2]string{"External refs", strconv.Itoa(obj.External)})
	}
	if obj.OIDPath != nil {
		pairs = append(pairs, [2]string{"OID path", strings.Join(obj.OIDPath, " < ")})
	}
	if obj.IDPath != nil {
		names := make([]string, len(obj.IDPath))
		for i, n := range obj.IDPath {
			names[i] = orDash(n)
		}
		pairs = append(pairs, [2]string{"ID path", strings.Join(names, " < ")})
	}
	p.keyValues(pairs)
	return nil
}

// IDs prints a list of objects with their class. Ids that were never
// decoded are listed without one.
func (p *Printer) IDs(ids []oid.ID, describe func(oid.ID) (*record.Record, error)) error {
	type row struct {
		OID   string `json:"oid"`
		Class string `json:"class,omitempty"`
		Name  string `json:"name,omitempty"`
	}
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		r := row{OID: id.String()}
		if rec, err := describe(id); err == nil {
			r.Class, r.Name = rec.Class, rec.Name
		}
		rows = append(rows, r)
	}

	if p.format == FormatJSON {
		return p.json(rows)
	}
	cells := make([][]string, len(rows))
	for i, r := range rows {
		cells[i] = []string{r.OID, orDash(r.Class), orDash(r.Name)}
	}
	p.table([]string{"OID", "Class", "Name"}, cells)
	return nil
}

// Reachability is the answer to a reachability query.
type Reachability struct {
	OID       string   `json:"oid"`
	Roots     []string `json:"roots"`
	Reachable bool     `json:"reachable"`
	Path      []string `json:"path,omitempty"`
}

func NewReachability(id oid.ID, roots []oid.ID, reachable bool, path []oid.ID) Reachability {
	r := Reachability{OID: id.String(), Roots: reprs(roots), Reachable: reachable}
	if path != nil {
		r.Path = reprs(path)
	}
	return r
}

func (p *Printer) Reachability(r Reachability) error {
	if p.format == FormatJSON {
		return p.json(r)
	}
	pairs := [][2]string{
		{"OID", r.OID},
		{"Roots", strings.Join(r.Roots, " ")},
		{"Reachable", strconv.FormatBool(r.Reachable)},
	}
	if r.Path != nil {
		pairs = append(pairs, [2]string{"Path", strings.Join(r.Path, " > ")})
	}
	p.keyValues(pairs)
	return nil
}

// Path prints a reference chain.
func (p *Printer) Path(path []oid.ID) error {
	if p.format == FormatJSON {
		return p.json(reprs(path))
	}
	_, err := p.out.Write([]byte(strings.Join(reprs(path), " > ") + "\n"))
	return err
}

// Dangling prints dangling references as they are found.
func (p *Printer) Dangling(refs iter.Seq[inspect.Dangling]) (int, error) {
	type row struct {
		Referrer string `json:"referrer"`
		Missing  string `json:"missing"`
	}

	n := 0
	var cells [][]string
	for d := range refs {
		n++
		r := row{Referrer: d.Referrer.String(), Missing: d.Missing.String()}
		if p.format == FormatJSON {
			if err := p.line(r); err != nil {
				return n, err
			}
			continue
		}
		cells = append(cells, []string{r.Referrer, r.Missing})
	}
	if p.format == FormatTable {
		p.table([]string{"Referrer", "Missing"}, cells)
	}
	return n, nil
}

// Stats prints snapshot counters.
func (p *Printer) Stats(st inspect.Stats) error {
	if p.format == FormatJSON {
		return p.json(struct {
			Objects    int      `json:"objects"`
			Edges      int      `json:"edges"`
			Unreadable int      `json:"unreadable"`
			Dangling   int      `json:"dangling"`
			Missing    int      `json:"missing"`
			Reachable  int      `json:"reachable"`
			Roots      []string `json:"roots"`
		}{st.Objects, st.Edges, st.Unreadable, st.Dangling, st.Missing, st.Reachable, reprs(st.Roots)})
	}
	p.keyValues([][2]string{
		{"Objects", humanize.Comma(int64(st.Objects))},
		{"References", humanize.Comma(int64(st.Edges))},
		{"Unreadable", humanize.Comma(int64(st.Unreadable))},
		{"Dangling references", humanize.Comma(int64(st.Dangling))},
		{"Missing objects", humanize.Comma(int64(st.Missing))},
		{"Reachable", humanize.Comma(int64(st.Reachable))},
		{"Unreachable", humanize.Comma(int64(st.Objects - st.Reachable))},
		{"Roots", strings.Join(reprs(st.Roots), " ")},
	})
	return nil
}

// Transactions prints transactions with the objects they last wrote.
func (p *Printer) Transactions(txns []storage.Transaction) error {
	if p.format == FormatJSON {
		type row struct {
			TID     string   `json:"tid"`
			Objects []string `json:"objects"`
		}
		rows := make([]row, len(txns))
		for i, t := range txns {
			rows[i] = row{TID: t.TID.String(), Objects: reprs(t.Objects)}
		}
		return p.json(rows)
	}
	cells := make([][]string, len(txns))
	for i, t := range txns {
		cells[i] = []string{t.TID.String(), strconv.Itoa(len(t.Objects)), strings.Join(reprs(t.Objects), " ")}
	}
	p.table([]string{"TID", "Count", "Objects"}, cells)
	return nil
}
