// Package storage defines the read-only view of the object database that the
// inspector consumes, with a RelStorage SQLite implementation.
package storage

import (
	"context"
	"iter"

	"odbscope/internal/oid"
)

// RawRecord is one stored object record as the engine hands it out.
type RawRecord struct {
	ID       oid.ID
	TID      oid.TID
	Payload  []byte
	TypeHint string
}

// Transaction lists the objects whose current revision a transaction wrote.
type Transaction struct {
	TID     oid.TID
	Objects []oid.ID
}

// Source iterates the records of one database. Implementations never write.
type Source interface {
	// Records yields every current record. Each call restarts from the beginning.
	// A non-nil error ends the sequence.
	Records(ctx context.Context) iter.Seq2[RawRecord, error]

	// Roots returns the traversal entry points of the database.
	Roots(ctx context.Context) ([]oid.ID, error)

	// LastTransaction returns the newest committed transaction id.
	LastTransaction(ctx context.Context) (oid.TID, error)

	// Transactions yields transactions newest first.
	Transactions(ctx context.Context) iter.Seq2[Transaction, error]

	Close() error
}
