package pgoutput

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgrepl/internal/pgproto"
	"github.com/jfoltran/pgrepl/internal/pgvalue"
	"github.com/jfoltran/pgrepl/internal/replerr"
	"github.com/jfoltran/pgrepl/lsn"
)

const standbyStatusInterval = 10 * time.Second

// Subscriber drives the CopyBoth logical-replication phase on top of an
// already-authenticated pgproto.Conn: it issues START_REPLICATION,
// decodes the pgoutput stream, and periodically reports standby status.
//
// Subscriber exclusively owns its Conn and is not safe for concurrent use.
type Subscriber struct {
	conn   *pgproto.Conn
	logger zerolog.Logger

	slotName        string
	publicationName string

	cache *relationCache

	lastReceivedLSN  lsn.LSN
	lastStatusUpdate time.Time
}

// Subscribe issues START_REPLICATION for slotName/publicationName over
// conn and blocks until the server confirms CopyBothResponse.
func Subscribe(conn *pgproto.Conn, slotName, publicationName string) (*Subscriber, error) {
	s := &Subscriber{
		conn:            conn,
		logger:          conn.Logger().With().Str("component", "pgoutput").Logger(),
		slotName:        slotName,
		publicationName: publicationName,
		cache:           newRelationCache(),
	}

	cmd := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL 0/0 (proto_version '1', publication_names '%s')",
		slotName, publicationName,
	)
	if err := conn.Write('Q', append([]byte(cmd), 0)); err != nil {
		return nil, err
	}

	for {
		msgType, payload, err := conn.Read()
		if err != nil {
			return nil, err
		}
		switch msgType {
		case 'W':
			s.lastStatusUpdate = time.Now()
			return s, nil
		case 'E':
			msg, perr := pgproto.ParseErrorResponse(payload)
			if perr != nil {
				return nil, perr
			}
			return nil, replerr.Newf(replerr.KindReplicationCommandFailed, "%s", msg)
		default:
			s.logger.Warn().Str("type", string(rune(msgType))).Msg("unexpected message before CopyBothResponse")
		}
	}
}

// Next blocks until exactly one caller-visible Message has been decoded
// from the stream, piggy-backing standby status updates on its own
// read loop.
func (s *Subscriber) Next() (*Message, error) {
	for {
		if time.Since(s.lastStatusUpdate) >= standbyStatusInterval {
			if err := s.sendStandbyStatus(); err != nil {
				return nil, err
			}
		}

		msgType, payload, err := s.conn.ReadCopy()
		if err != nil {
			if isTransient(err) {
				continue
			}
			return nil, err
		}

		switch msgType {
		case 'k':
			if err := s.handleKeepalive(payload); err != nil {
				return nil, err
			}
			continue

		case 'w':
			msg, err := s.handleWALData(payload)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				continue
			}
			return msg, nil

		case 'E':
			text, perr := pgproto.ParseErrorResponse(payload)
			if perr != nil {
				s.logger.Warn().Err(perr).Msg("failed to parse server error during streaming")
				continue
			}
			s.logger.Error().Str("message", text).Msg("server error during streaming")
			continue

		default:
			s.logger.Warn().Str("type", string(rune(msgType))).Msg("unhandled message type during streaming")
			continue
		}
	}
}

// Relation returns a read-only copy of the cached schema for id, if any.
func (s *Subscriber) Relation(id uint32) (RelationInfo, bool) {
	return s.cache.get(id)
}

func (s *Subscriber) handleKeepalive(payload []byte) error {
	c := &cursor{data: payload}
	walEnd, err := c.readUint64()
	if err != nil {
		// Tolerated: forward progress matters more than diagnostic
		// fidelity on a heartbeat.
		s.logger.Warn().Err(err).Msg("short keepalive payload, skipping")
		return nil
	}
	if _, err := c.readUint64(); err != nil {
		return nil
	}
	replyRequested, err := c.readByte()
	if err != nil {
		return nil
	}

	if lag := lsn.Lag(s.lastReceivedLSN, lsn.LSN(walEnd)); lag > 0 {
		s.logger.Debug().Str("lag", lsn.FormatLag(lag, time.Since(s.lastStatusUpdate))).Msg("primary ahead of last received position")
	}
	if lsn.LSN(walEnd) > s.lastReceivedLSN {
		s.lastReceivedLSN = lsn.LSN(walEnd)
	}

	if replyRequested != 0 {
		return s.sendStandbyStatus()
	}
	return nil
}

func (s *Subscriber) handleWALData(payload []byte) (*Message, error) {
	c := &cursor{data: payload}
	if _, err := c.readUint64(); err != nil { // wal_start
		return nil, err
	}
	walEnd, err := c.readUint64()
	if err != nil {
		return nil, err
	}
	if _, err := c.readUint64(); err != nil { // server_time
		return nil, err
	}

	if lsn.LSN(walEnd) > s.lastReceivedLSN {
		s.lastReceivedLSN = lsn.LSN(walEnd)
	}

	msg, err := decodeMessage(payload[c.pos:], s.cache)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// sendStandbyStatus reports lastReceivedLSN for write/flush/apply
// position, since the core does not model them separately.
func (s *Subscriber) sendStandbyStatus() error {
	var payload []byte
	payload = appendUint64(payload, uint64(s.lastReceivedLSN))
	payload = appendUint64(payload, uint64(s.lastReceivedLSN))
	payload = appendUint64(payload, uint64(s.lastReceivedLSN))
	payload = appendUint64(payload, uint64(time.Since(pgvalue.PGEpoch).Microseconds()))
	payload = append(payload, 0) // reply_requested

	if err := s.conn.WriteCopy('r', payload); err != nil {
		return err
	}
	s.lastStatusUpdate = time.Now()
	return nil
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}

// isTransient reports whether err is a recoverable transport condition
// (timeout) that should simply re-enter the housekeeping loop, rather
// than abort the stream.
func isTransient(err error) bool {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return netErr.Timeout()
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
