package pgvalue

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/jfoltran/pgrepl/internal/replerr"
)

// dateLayout, timestampLayout, and timeLayout mirror the textual
// formats PostgreSQL emits for DATE/TIMESTAMP/TIME in pgoutput's
// default text mode.
const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
	timeLayout      = "15:04:05"
)

// ParseText decodes a textual field value for the given type OID, as
// produced by pgoutput's 't' tuple format.
func ParseText(s string, oid uint32) (Value, error) {
	switch oid {
	case OIDBool:
		switch s {
		case "t":
			return boolValue(true), nil
		case "f":
			return boolValue(false), nil
		default:
			return Value{}, replerr.Newf(replerr.KindParseValue, "invalid boolean value: %s", s)
		}

	case OIDInt2, OIDInt4:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseInt, err)
		}
		return intValue(int32(n)), nil

	case OIDInt8:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseInt, err)
		}
		return bigintValue(n), nil

	case OIDFloat4:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseFloat, err)
		}
		return floatValue(float32(f)), nil

	case OIDFloat8:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseFloat, err)
		}
		return doubleValue(f), nil

	case OIDNumeric:
		// NUMERIC loses precision here — documented limitation.
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseFloat, err)
		}
		return doubleValue(f), nil

	case OIDUUID:
		return uuidValue(s), nil

	case OIDJSON:
		return jsonValue(s), nil

	case OIDJSONB:
		return jsonbValue(s), nil

	case OIDText, OIDVarchar, OIDChar, OIDName, OIDBPChar:
		return textValue(s), nil

	case OIDBytea:
		if !strings.HasPrefix(s, "\\x") {
			return Value{}, replerr.Newf(replerr.KindParseValue, "invalid bytea format: %s", s)
		}
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindHexDecode, err)
		}
		return binaryValue(b), nil

	case OIDDate:
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseDateTime, err)
		}
		return dateValue(t), nil

	case OIDTimestamp:
		t, err := parseFractionalLayout(timestampLayout, s)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseDateTime, err)
		}
		return timestampValue(t), nil

	case OIDTimestampTz:
		t, err := parseTimestampTz(s)
		if err != nil {
			return Value{}, err
		}
		return timestampTzValue(t), nil

	case OIDTime:
		t, err := parseFractionalLayout(timeLayout, s)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseDateTime, err)
		}
		return timeValue(t), nil

	case OIDOid:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Value{}, replerr.Wrap(replerr.KindParseInt, err)
		}
		return intValue(int32(uint32(n))), nil

	default:
		return Value{}, replerr.Newf(replerr.KindParseValue, "Unknown type_id: %d", oid)
	}
}

// parseFractionalLayout parses layout, trying with a ".000000"-style
// fractional-seconds suffix first and falling back to the bare layout.
func parseFractionalLayout(layout, s string) (time.Time, error) {
	if t, err := time.Parse(layout+".999999999", s); err == nil {
		return t, nil
	}
	return time.Parse(layout, s)
}

// parseTimestampTz normalizes the three timezone suffix shapes PostgreSQL
// may emit ("+HH", "+HH:MM", "+HHMM") into Go's "-0700" layout token
// before parsing.
func parseTimestampTz(s string) (time.Time, error) {
	layout := timestampLayout + ".999999999-0700"

	if len(s) < 3 {
		t, err := time.Parse(layout, s)
		if err != nil {
			return time.Time{}, replerr.Wrap(replerr.KindParseDateTime, err)
		}
		return t, nil
	}

	idx := strings.LastIndexAny(s, "+-")
	if idx < 0 {
		t, err := time.Parse(layout, s)
		if err != nil {
			return time.Time{}, replerr.Wrap(replerr.KindParseDateTime, err)
		}
		return t, nil
	}

	main := s[:idx]
	tz := s[idx:]

	var normalizedTz string
	switch {
	case len(tz) == 6 && tz[3] == ':':
		// "+HH:MM" -> "+HHMM"
		normalizedTz = tz[0:3] + tz[4:6]
	case len(tz) == 3:
		// "+HH" -> "+HH00"
		normalizedTz = tz + "00"
	default:
		normalizedTz = tz
	}

	t, err := time.Parse(layout, main+normalizedTz)
	if err != nil {
		return time.Time{}, replerr.Wrap(replerr.KindParseDateTime, err)
	}
	return t, nil
}
