// Package pgrepl is a client library for PostgreSQL logical replication.
// It establishes a dedicated replication connection, starts a
// publication-scoped stream against a named slot, and surfaces decoded
// Write-Ahead-Log change events (begin/relation/insert/update/delete/commit)
// with typed column values.
//
// Connection pooling, general query execution, DDL tracking beyond the
// Relation message, and re-synchronisation after a broken stream are
// out of scope: a caller that loses its stream reconnects by calling
// Open and Subscribe again.
package pgrepl

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgrepl/internal/pgoutput"
	"github.com/jfoltran/pgrepl/internal/pgproto"
	"github.com/jfoltran/pgrepl/internal/pgvalue"
	"github.com/jfoltran/pgrepl/lsn"
)

// LSN is a PostgreSQL Log Sequence Number: a 64-bit, monotonically
// increasing position within the server's write-ahead log.
type LSN = lsn.LSN

// Value is a tagged value decoded from a pgoutput tuple field.
type Value = pgvalue.Value

// ValueTag discriminates the variant of a Value.
type ValueTag = pgvalue.Tag

// Column describes one column of a cached relation.
type Column = pgoutput.Column

// RelationInfo is the cached schema for one relation id.
type RelationInfo = pgoutput.RelationInfo

// Tuple is an ordered sequence of optional column values.
type Tuple = pgoutput.Tuple

// Message is a decoded pgoutput logical-decoding record: Begin, Commit,
// Relation, Insert, Update, Delete, or Unknown. Only the fields
// relevant to Kind are populated.
type Message = pgoutput.Message

// MessageKind discriminates the variant of a Message.
type MessageKind = pgoutput.MessageKind

const (
	MessageBegin    = pgoutput.MessageBegin
	MessageCommit   = pgoutput.MessageCommit
	MessageRelation = pgoutput.MessageRelation
	MessageInsert   = pgoutput.MessageInsert
	MessageUpdate   = pgoutput.MessageUpdate
	MessageDelete   = pgoutput.MessageDelete
	MessageUnknown  = pgoutput.MessageUnknown
)

// Conn is an authenticated PostgreSQL v3 connection in replication mode,
// ready to have START_REPLICATION issued against it via Subscribe.
//
// Conn exclusively owns the transport and is not safe for concurrent use.
type Conn struct {
	inner *pgproto.Conn
}

// Open performs the startup packet and authentication handshake
// (cleartext or MD5; SCRAM is not supported) over rw, requesting a
// logical replication connection for database.
func Open(ctx context.Context, rw io.ReadWriter, user, password, database string, logger zerolog.Logger) (*Conn, error) {
	inner, err := pgproto.Open(ctx, rw, user, password, database, logger)
	if err != nil {
		return nil, err
	}
	return &Conn{inner: inner}, nil
}

// Subscriber streams decoded WAL messages from a replication slot.
//
// Subscriber exclusively owns its Conn and is not safe for concurrent use.
type Subscriber struct {
	inner *pgoutput.Subscriber
}

// Subscribe issues START_REPLICATION for slotName against publicationName
// and blocks until the server confirms CopyBothResponse.
func Subscribe(conn *Conn, slotName, publicationName string) (*Subscriber, error) {
	inner, err := pgoutput.Subscribe(conn.inner, slotName, publicationName)
	if err != nil {
		return nil, err
	}
	return &Subscriber{inner: inner}, nil
}

// Next blocks until exactly one caller-visible Message has been decoded
// from the stream. It piggy-backs standby status updates on its own
// read loop; a caller that stops calling Next for longer than the
// server's wal_sender_timeout will have its slot torn down.
func (s *Subscriber) Next() (*Message, error) {
	return s.inner.Next()
}

// Relation returns a read-only copy of the cached schema for relationID,
// if the stream has emitted a Relation message for it this session.
func (s *Subscriber) Relation(relationID uint32) (RelationInfo, bool) {
	return s.inner.Relation(relationID)
}
