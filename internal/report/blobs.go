package report

import (
	"strconv"

	"github.com/dustin/go-humanize"

	"odbscope/internal/reconcile"
)

// BlobRow is the report record for one blob file.
type BlobRow struct {
	Path          string `json:"path"`
	ObjectID      string `json:"objectId"`
	TransactionID string `json:"transactionId"`
	Verdict       string `json:"verdict"`
	Reason        string `json:"reason,omitempty"`
	Stale         bool   `json:"stale,omitempty"`
	Size          int64  `json:"size"`
	Fingerprint   string `json:"fingerprint,omitempty"`
}

// NewBlobRow converts a reconciliation result. Malformed blobs have no ids.
func NewBlobRow(res reconcile.Result) BlobRow {
	row := BlobRow{
		Path:    res.Blob.Path,
		Verdict: res.Verdict.String(),
		Reason:  res.Reason,
		Stale:   res.Stale,
		Size:    res.Blob.Size,
	}
	if !res.Blob.Malformed() {
		row.ObjectID = res.Blob.ID.String()
		row.TransactionID = res.Blob.TID.String()
	}
	return row
}

// BlobWriter prints blob rows. JSON rows are written as they arrive; table
// rows are buffered until Close.
type BlobWriter struct {
	p    *Printer
	rows [][]string
	hash bool
}

// Blobs starts a blob report. withHash adds the fingerprint column.
func (p *Printer) Blobs(withHash bool) *BlobWriter {
	return &BlobWriter{p: p, hash: withHash}
}

func (w *BlobWriter) Write(row BlobRow) error {
	if w.p.format == FormatJSON {
		return w.p.line(row)
	}

	verdict := row.Verdict
	if row.Stale {
		verdict += " (stale)"
	}
	cells := []string{row.Path, orDash(row.ObjectID), orDash(row.TransactionID), verdict, humanize.Bytes(uint64(row.Size))}
	if w.hash {
		cells = append(cells, orDash(row.Fingerprint))
	}
	cells = append(cells, orDash(row.Reason))
	w.rows = append(w.rows, cells)
	return nil
}

// Close flushes buffered rows and prints the summary, if any.
func (w *BlobWriter) Close(sum *reconcile.Summary) error {
	if w.p.format == FormatJSON {
		return nil
	}

	headers := []string{"Path", "OID", "TID", "Verdict", "Size"}
	if w.hash {
		headers = append(headers, "Fingerprint")
	}
	headers = append(headers, "Reason")
	w.p.table(headers, w.rows)

	if sum == nil {
		return nil
	}
	w.p.out.Write([]byte("\n"))
	cells := make([][]string, 0, len(reconcile.Verdicts())+1)
	for _, v := range reconcile.Verdicts() {
		cells = append(cells, []string{v.String(), strconv.Itoa(sum.Count[v]), humanize.Bytes(uint64(sum.Bytes[v]))})
	}
	var total int64
	for _, b := range sum.Bytes {
		total += b
	}
	cells = append(cells, []string{"total", strconv.Itoa(sum.Total), humanize.Bytes(uint64(total))})
	w.p.table([]string{"Verdict", "Blobs", "Size"}, cells)
	if sum.Stale > 0 {
		w.p.out.Write([]byte(strconv.Itoa(sum.Stale) + " blob(s) hold an old revision\n"))
	}
	return nil
}
