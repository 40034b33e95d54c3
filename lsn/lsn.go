// Package lsn implements PostgreSQL's Log Sequence Number: a 64-bit
// monotonic position within the write-ahead log, conventionally printed
// as two hex words separated by a slash (e.g. "16/B374D848").
package lsn

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LSN is a Log Sequence Number, a byte offset into the WAL.
type LSN uint64

// Parse parses the canonical "XXXXXXXX/XXXXXXXX" representation.
func Parse(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("lsn: invalid format %q, expected XXXXXXXX/XXXXXXXX", s)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("lsn: invalid high word %q: %w", hi, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("lsn: invalid low word %q: %w", lo, err)
	}
	return LSN(hiVal<<32 | loVal), nil
}

// String renders the canonical "XXXXXXXX/XXXXXXXX" representation.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
