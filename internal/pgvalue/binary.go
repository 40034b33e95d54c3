package pgvalue

import (
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ParseBinary decodes a binary field value for the given type OID, as
// produced by pgoutput's 'b' tuple format. Types without a well-defined
// fixed-width binary layout here fall back to an Unknown/Binary
// variant rather than erroring.
func ParseBinary(b []byte, oid uint32) (Value, error) {
	switch oid {
	case OIDBool:
		if len(b) != 1 {
			return unknownValue(b, oid), nil
		}
		return boolValue(b[0] != 0), nil

	case OIDInt2:
		if len(b) != 2 {
			return unknownValue(b, oid), nil
		}
		return intValue(int32(int16(binary.BigEndian.Uint16(b)))), nil

	case OIDInt4, OIDOid:
		if len(b) != 4 {
			return unknownValue(b, oid), nil
		}
		return intValue(int32(binary.BigEndian.Uint32(b))), nil

	case OIDInt8:
		if len(b) != 8 {
			return unknownValue(b, oid), nil
		}
		return bigintValue(int64(binary.BigEndian.Uint64(b))), nil

	case OIDFloat4:
		if len(b) != 4 {
			return unknownValue(b, oid), nil
		}
		bits := binary.BigEndian.Uint32(b)
		return floatValue(math.Float32frombits(bits)), nil

	case OIDFloat8:
		if len(b) != 8 {
			return unknownValue(b, oid), nil
		}
		bits := binary.BigEndian.Uint64(b)
		return doubleValue(math.Float64frombits(bits)), nil

	case OIDText, OIDVarchar, OIDChar, OIDName, OIDBPChar:
		if !utf8.Valid(b) {
			return binaryValue(b), nil
		}
		return textValue(string(b)), nil

	case OIDJSON:
		if !utf8.Valid(b) {
			return binaryValue(b), nil
		}
		return jsonValue(string(b)), nil

	case OIDJSONB:
		if !utf8.Valid(b) {
			return binaryValue(b), nil
		}
		return jsonbValue(string(b)), nil

	case OIDUUID:
		if len(b) != 16 {
			return unknownValue(b, oid), nil
		}
		u, err := uuid.FromBytes(b)
		if err != nil {
			return unknownValue(b, oid), nil
		}
		return uuidValue(u.String()), nil

	case OIDBytea:
		return binaryValue(b), nil

	case OIDDate:
		if len(b) != 4 {
			return unknownValue(b, oid), nil
		}
		days := int32(binary.BigEndian.Uint32(b))
		return dateValue(PGEpoch.AddDate(0, 0, int(days))), nil

	case OIDTimestamp:
		if len(b) != 8 {
			return unknownValue(b, oid), nil
		}
		micros := int64(binary.BigEndian.Uint64(b))
		return timestampValue(PGEpoch.Add(time.Duration(micros) * time.Microsecond)), nil

	case OIDTimestampTz:
		if len(b) != 8 {
			return unknownValue(b, oid), nil
		}
		micros := int64(binary.BigEndian.Uint64(b))
		return timestampTzValue(PGEpoch.Add(time.Duration(micros) * time.Microsecond).In(time.UTC)), nil

	case OIDTime:
		if len(b) != 8 {
			return unknownValue(b, oid), nil
		}
		micros := int64(binary.BigEndian.Uint64(b))
		midnight := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		return timeValue(midnight.Add(time.Duration(micros) * time.Microsecond)), nil

	case OIDNumeric:
		// No precision-preserving binary NUMERIC decode; surfaced as raw
		// bytes rather than lossily coerced to float64.
		return unknownValue(b, oid), nil

	default:
		return unknownValue(b, oid), nil
	}
}
