// Package pgproto implements the PostgreSQL v3 frontend/backend message
// framing and the startup/authentication handshake. It is deliberately
// independent of any SQL execution path: the only outbound command this
// package's callers ever issue is START_REPLICATION, handled one layer up
// in internal/pgoutput.
package pgproto

import (
	"encoding/binary"
	"io"

	"github.com/jackc/pgio"

	"github.com/jfoltran/pgrepl/internal/replerr"
)

// CopyDataType is the outer message type that wraps inner protocol bytes
// while the connection is in the CopyBoth sub-protocol.
const CopyDataType = byte('d')

// ReadMessage reads one PostgreSQL protocol message from r.
//
// When copyData is true and the frame is a non-empty CopyData envelope,
// the envelope is unwrapped: the first byte of its payload becomes the
// returned message type, and the rest becomes the returned payload. A
// CopyData frame with an empty payload while copyData is true carries no
// inner message type to dispatch on, so it is rejected rather than
// forwarded; any frame when copyData is false is returned verbatim.
func ReadMessage(r io.Reader, copyData bool) (msgType byte, payload []byte, err error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, withShortReadKind(err, "message header")
	}

	msgType = header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if length < 4 {
		return 0, nil, replerr.Newf(replerr.KindReplicationProtocolViolation, "message length %d smaller than header", length)
	}
	dataLen := length - 4

	payload = make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, withShortReadKind(err, "message payload")
		}
	}

	if !copyData || msgType != CopyDataType {
		return msgType, payload, nil
	}
	if len(payload) == 0 {
		return 0, nil, replerr.New(replerr.KindEmptyCopyData)
	}

	return payload[0], payload[1:], nil
}

// WriteMessage writes one PostgreSQL protocol message to w.
//
// With copyData=false it emits [type][be32 len][payload], len counting
// itself. With copyData=true it emits a CopyData envelope,
// [d][be32 len][type][payload], with the inner type byte folded into the
// envelope payload per the logical replication sub-protocol.
func WriteMessage(w io.Writer, msgType byte, payload []byte, copyData bool) error {
	length := len(payload) + 4
	outerType := msgType
	if copyData {
		length++
		outerType = CopyDataType
	}

	buf := make([]byte, 0, 1+length)
	buf = append(buf, outerType)
	buf = pgio.AppendInt32(buf, int32(length))
	if copyData {
		buf = append(buf, msgType)
	}
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return replerr.Wrap(replerr.KindUnexpectedEndOfData, err)
	}
	return nil
}

func withShortReadKind(err error, context string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return replerr.WithContext(replerr.KindUnexpectedEndOfData, context)
	}
	return err
}
