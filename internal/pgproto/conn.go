package pgproto

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgrepl/internal/replerr"
)

const protocolVersion3 int32 = 196608 // 3 << 16 | 0

// Conn drives the PostgreSQL v3 startup handshake over an arbitrary
// io.ReadWriter and then offers raw framed read/write for whatever
// protocol phase the caller (internal/pgoutput) wants to run next.
//
// Conn exclusively owns the transport. It is not safe for concurrent use.
type Conn struct {
	rw     io.ReadWriter
	logger zerolog.Logger

	// From BackendKeyData; unused until query cancellation is implemented.
	backendPID    int32
	backendSecret int32
}

// Open performs the startup packet, authentication loop, and post-auth
// parameter drain, returning a Conn ready for command-mode traffic.
func Open(ctx context.Context, rw io.ReadWriter, user, password, database string, logger zerolog.Logger) (*Conn, error) {
	c := &Conn{rw: rw, logger: logger.With().Str("component", "pgproto").Logger()}

	if err := c.sendStartupMessage(user, database); err != nil {
		return nil, err
	}
	if err := c.authenticate(user, password); err != nil {
		return nil, err
	}
	if err := c.drainStartup(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) sendStartupMessage(user, database string) error {
	var packet []byte
	packet = binary.BigEndian.AppendUint32(packet, uint32(protocolVersion3))
	packet = appendParam(packet, "user", user)
	packet = appendParam(packet, "database", database)
	packet = appendParam(packet, "replication", "database")
	packet = append(packet, 0)

	full := make([]byte, 0, len(packet)+4)
	full = binary.BigEndian.AppendUint32(full, uint32(len(packet)+4))
	full = append(full, packet...)

	if _, err := c.rw.Write(full); err != nil {
		return replerr.Wrap(replerr.KindUnexpectedEndOfData, err)
	}
	return nil
}

func appendParam(buf []byte, name, value string) []byte {
	buf = append(buf, name...)
	buf = append(buf, 0)
	buf = append(buf, value...)
	buf = append(buf, 0)
	return buf
}

// authenticate runs the startup authentication loop,
// recursing on ClearTextPassword/MD5Password challenges until
// AuthenticationOk or a hard failure.
func (c *Conn) authenticate(user, password string) error {
	msgType, payload, err := ReadMessage(c.rw, false)
	if err != nil {
		return err
	}

	switch msgType {
	case 'R':
		if len(payload) < 4 {
			return replerr.New(replerr.KindInvalidAuthRequest)
		}
		authType := binary.BigEndian.Uint32(payload[0:4])

		switch authType {
		case 0:
			return nil
		case 3:
			if err := c.sendPassword(password); err != nil {
				return err
			}
			return c.authenticate(user, password)
		case 5:
			if len(payload) < 8 {
				return replerr.New(replerr.KindInvalidMD5AuthRequest)
			}
			salt := payload[4:8]
			digest := md5Password(password, user, salt)
			if err := c.sendPassword(digest); err != nil {
				return err
			}
			return c.authenticate(user, password)
		default:
			return replerr.Newf(replerr.KindAuthentication, "unsupported authentication method: %d", authType)
		}
	case 'E':
		msg, perr := ParseErrorResponse(payload)
		if perr != nil {
			return perr
		}
		return replerr.Newf(replerr.KindAuthentication, "%s", msg)
	default:
		return replerr.Newf(replerr.KindReplicationProtocolViolation, "unexpected message type during authentication: %c", msgType)
	}
}

func (c *Conn) sendPassword(password string) error {
	payload := append([]byte(password), 0)
	return WriteMessage(c.rw, 'p', payload, false)
}

// md5Password computes PostgreSQL's MD5 authentication digest:
// "md5" + hex(md5(hex(md5(password+user)) + salt)).
func md5Password(password, user string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// drainStartup absorbs ParameterStatus/BackendKeyData/Notice messages
// until ReadyForQuery.
func (c *Conn) drainStartup() error {
	for {
		msgType, payload, err := ReadMessage(c.rw, false)
		if err != nil {
			return err
		}

		switch msgType {
		case 'S':
			name, value, perr := parseParameterStatus(payload)
			if perr != nil {
				return perr
			}
			c.logger.Debug().Str("parameter", name).Str("value", value).Msg("server parameter status")
		case 'K':
			if len(payload) < 8 {
				return replerr.New(replerr.KindBackendKeyDataInvalid)
			}
			c.backendPID = int32(binary.BigEndian.Uint32(payload[0:4]))
			c.backendSecret = int32(binary.BigEndian.Uint32(payload[4:8]))
		case 'Z':
			return nil
		case 'E':
			msg, perr := ParseErrorResponse(payload)
			if perr != nil {
				return perr
			}
			return replerr.Newf(replerr.KindServerStartupFailure, "%s", msg)
		case 'N':
			msg, perr := ParseErrorResponse(payload)
			if perr != nil {
				c.logger.Warn().Err(perr).Msg("failed to parse notice")
				continue
			}
			c.logger.Info().Str("notice", msg).Msg("server notice during startup")
		default:
			c.logger.Warn().Str("type", string(rune(msgType))).Msg("unhandled message type during startup")
		}
	}
}

// ParseErrorResponse decodes the (field-code, NUL-terminated string)*
// sequence shared by ErrorResponse and NoticeResponse, rendering
// "{severity}: {message}" when a severity field is present.
func ParseErrorResponse(data []byte) (string, error) {
	var message, severity string
	i := 0
	for i < len(data) {
		fieldType := data[i]
		i++
		if fieldType == 0 {
			break
		}
		start := i
		for i < len(data) && data[i] != 0 {
			i++
		}
		if i >= len(data) {
			return "", replerr.New(replerr.KindUnterminatedString)
		}
		value := string(data[start:i])
		i++ // skip NUL

		switch fieldType {
		case 'M':
			message = value
		case 'S':
			severity = value
		}
	}
	if severity != "" {
		return fmt.Sprintf("%s: %s", severity, message), nil
	}
	return message, nil
}

// parseParameterStatus decodes a ParameterStatus payload: two
// NUL-terminated C-strings, name then value.
func parseParameterStatus(data []byte) (name, value string, err error) {
	nameEnd := bytes.IndexByte(data, 0)
	if nameEnd < 0 {
		return "", "", replerr.New(replerr.KindParameterStatusInvalid)
	}
	rest := data[nameEnd+1:]
	valueEnd := bytes.IndexByte(rest, 0)
	if valueEnd < 0 {
		return "", "", replerr.New(replerr.KindParameterStatusInvalid)
	}
	return string(data[:nameEnd]), string(rest[:valueEnd]), nil
}

// Read reads one message in command mode (copyData=false).
func (c *Conn) Read() (msgType byte, payload []byte, err error) {
	return ReadMessage(c.rw, false)
}

// ReadCopy reads one message while the connection is in CopyBoth mode.
func (c *Conn) ReadCopy() (msgType byte, payload []byte, err error) {
	return ReadMessage(c.rw, true)
}

// Write writes one message in command mode (copyData=false).
func (c *Conn) Write(msgType byte, payload []byte) error {
	return WriteMessage(c.rw, msgType, payload, false)
}

// WriteCopy writes one message wrapped in a CopyData envelope.
func (c *Conn) WriteCopy(msgType byte, payload []byte) error {
	return WriteMessage(c.rw, msgType, payload, true)
}

// Logger exposes the connection's side-channel logger so that a
// Subscriber built on top of this Conn can log under the same
// component tree.
func (c *Conn) Logger() zerolog.Logger {
	return c.logger
}
