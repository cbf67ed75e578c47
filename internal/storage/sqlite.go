package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "modernc.org/sqlite"

	"odbscope/internal/oid"
)

var (
	ErrNotRelStorage = errors.New("not a RelStorage database (no object_state table)")
)

// Schema is the RelStorage table layout found in a database.
type Schema int

const (
	HistoryFree Schema = iota
	HistoryPreserving
)

func (s Schema) String() string {
	if s == HistoryPreserving {
		return "history-preserving"
	}
	return "history-free"
}

// Options tunes a SQLite source.
type Options struct {
	// ExtraRoots are added to the database root oid.
	ExtraRoots []oid.ID
}

// SQLite reads a RelStorage SQLite database. The connection is read-only.
type SQLite struct {
	conn   *sql.DB
	path   string
	schema Schema
	roots  []oid.ID
}

// OpenSQLite opens the database at path read-only and detects its schema.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	dsn, err := readOnlyDSN(path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Fail early if connection is bad
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &SQLite{conn: conn, path: path}
	if s.schema, err = detectSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}

	s.roots = []oid.ID{oid.Root}
	for _, r := range opts.ExtraRoots {
		if !slices.Contains(s.roots, r) {
			s.roots = append(s.roots, r)
		}
	}
	return s, nil
}

// readOnlyDSN builds a read-only SQLite URI for path, escaping characters
// such as '#' and '?' that would otherwise end the file name.
func readOnlyDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p, RawQuery: "mode=ro&_pragma=query_only(1)"}
	return u.String(), nil
}

func detectSchema(conn *sql.DB) (Schema, error) {
	rows, err := conn.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('object_state', 'current_object')`,
	)
	if err != nil {
		return 0, fmt.Errorf("reading schema: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, fmt.Errorf("scanning schema: %w", err)
		}
		tables[name] = true
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading schema: %w", err)
	}

	switch {
	case !tables["object_state"]:
		return 0, ErrNotRelStorage
	case tables["current_object"]:
		return HistoryPreserving, nil
	default:
		return HistoryFree, nil
	}
}

// Schema returns the detected table layout.
func (s *SQLite) Schema() Schema { return s.schema }

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// currentStates selects the current revision of every live object.
func (s *SQLite) currentStates(columns, order string) string {
	if s.schema == HistoryPreserving {
		return `SELECT ` + columns + ` FROM current_object c
			JOIN object_state o ON o.zoid = c.zoid AND o.tid = c.tid
			WHERE o.state IS NOT NULL ORDER BY ` + order
	}
	return `SELECT ` + columns + ` FROM object_state o WHERE o.state IS NOT NULL ORDER BY ` + order
}

func (s *SQLite) Records(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		rows, err := s.conn.QueryContext(ctx, s.currentStates("o.zoid, o.tid, o.state", "o.zoid"))
		if err != nil {
			yield(RawRecord{}, fmt.Errorf("querying object states: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var zoid, tid int64
			var state []byte
			if err := rows.Scan(&zoid, &tid, &state); err != nil {
				yield(RawRecord{}, fmt.Errorf("scanning object state: %w", err))
				return
			}
			rec := RawRecord{ID: oid.ID(zoid), TID: oid.TID(tid), Payload: state}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(RawRecord{}, fmt.Errorf("iterating object states: %w", err))
		}
	}
}

func (s *SQLite) Roots(ctx context.Context) ([]oid.ID, error) {
	return slices.Clone(s.roots), nil
}

func (s *SQLite) LastTransaction(ctx context.Context) (oid.TID, error) {
	var tid int64
	err := s.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(tid), 0) FROM object_state`).Scan(&tid)
	if err != nil {
		return 0, fmt.Errorf("querying last transaction: %w", err)
	}
	return oid.TID(tid), nil
}

// writes selects every stored revision. A history-free database keeps only
// current states, so there it lists the transactions that wrote them.
func (s *SQLite) writes(columns, order string) string {
	if s.schema == HistoryPreserving {
		return `SELECT ` + columns + ` FROM object_state o WHERE o.state IS NOT NULL ORDER BY ` + order
	}
	return s.currentStates(columns, order)
}

// Transactions groups object writes by transaction, newest first. On a
// history-preserving database superseded revisions are included.
func (s *SQLite) Transactions(ctx context.Context) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		rows, err := s.conn.QueryContext(ctx, s.writes("o.tid, o.zoid", "o.tid DESC, o.zoid"))
		if err != nil {
			yield(Transaction{}, fmt.Errorf("querying transactions: %w", err))
			return
		}
		defer rows.Close()

		var cur Transaction
		for rows.Next() {
			var tid, zoid int64
			if err := rows.Scan(&tid, &zoid); err != nil {
				yield(Transaction{}, fmt.Errorf("scanning transaction: %w", err))
				return
			}
			if len(cur.Objects) > 0 && cur.TID != oid.TID(tid) {
				if !yield(cur, nil) {
					return
				}
				cur = Transaction{}
			}
			cur.TID = oid.TID(tid)
			cur.Objects = append(cur.Objects, oid.ID(zoid))
		}
		if err := rows.Err(); err != nil {
			yield(Transaction{}, fmt.Errorf("iterating transactions: %w", err))
			return
		}
		if len(cur.Objects) > 0 {
			yield(cur, nil)
		}
	}
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}
