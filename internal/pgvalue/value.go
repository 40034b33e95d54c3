// Package pgvalue maps PostgreSQL type OIDs plus a textual or binary
// field payload to a tagged Value. It understands the scalar OIDs
// pgoutput commonly emits; composite, array, range, enum, and
// precision-preserving numeric decoding are explicitly out of scope
// (out of scope).
package pgvalue

import (
	"fmt"
	"time"
)

// PostgreSQL type OIDs this package understands.
const (
	OIDBool        uint32 = 16
	OIDBytea       uint32 = 17
	OIDChar        uint32 = 18
	OIDName        uint32 = 19
	OIDInt8        uint32 = 20
	OIDInt2        uint32 = 21
	OIDInt4        uint32 = 23
	OIDText        uint32 = 25
	OIDOid         uint32 = 26
	OIDJSON        uint32 = 114
	OIDFloat4      uint32 = 700
	OIDFloat8      uint32 = 701
	OIDBPChar      uint32 = 1042
	OIDVarchar     uint32 = 1043
	OIDDate        uint32 = 1082
	OIDTime        uint32 = 1083
	OIDTimestamp   uint32 = 1114
	OIDTimestampTz uint32 = 1184
	OIDNumeric     uint32 = 1700
	OIDUUID        uint32 = 2950
	OIDJSONB       uint32 = 3802
)

// PGEpoch is the PostgreSQL epoch (2000-01-01 00:00:00 UTC) that DATE,
// TIMESTAMP, and TIMESTAMPTZ binary wire values are offset from.
var PGEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Tag discriminates the variant of a Value.
type Tag int

const (
	TagNull Tag = iota
	TagText
	TagInteger
	TagBigInt
	TagFloat
	TagDouble
	TagBoolean
	TagDate
	TagTime
	TagTimestamp
	TagTimestampTz
	TagUUID
	TagJSON
	TagJSONB
	TagBinary
	TagUnknown
)

func (t Tag) String() string {
	switch t {
	case TagNull:
		return "Null"
	case TagText:
		return "Text"
	case TagInteger:
		return "Integer"
	case TagBigInt:
		return "BigInt"
	case TagFloat:
		return "Float"
	case TagDouble:
		return "Double"
	case TagBoolean:
		return "Boolean"
	case TagDate:
		return "Date"
	case TagTime:
		return "Time"
	case TagTimestamp:
		return "Timestamp"
	case TagTimestampTz:
		return "TimestampTz"
	case TagUUID:
		return "Uuid"
	case TagJSON:
		return "Json"
	case TagJSONB:
		return "Jsonb"
	case TagBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Value is a tagged union over the scalar types pgoutput can emit. Only
// the field(s) relevant to Tag are meaningful; the rest are zero.
//
// Date/Time/Timestamp are "naive" (no zone); TimestampTz carries an
// explicit *time.Location via the Time field's own zone.
type Value struct {
	Tag Tag

	Text    string
	Int32   int32
	Int64   int64
	Float32 float32
	Float64 float64
	Bool    bool
	Time    time.Time // Date/Time/Timestamp/TimestampTz
	Bytes   []byte    // Binary, and Unknown's raw payload
	OID     uint32    // Unknown's type OID
}

// Equal compares two Values, using an epsilon for the floating variants
// so near-equal floats compare equal.
func (v Value) Equal(other Value) bool {
	if v.Tag != other.Tag {
		return false
	}
	switch v.Tag {
	case TagNull:
		return true
	case TagText, TagUUID, TagJSON, TagJSONB:
		return v.Text == other.Text
	case TagInteger:
		return v.Int32 == other.Int32
	case TagBigInt:
		return v.Int64 == other.Int64
	case TagFloat:
		return floatEqual32(v.Float32, other.Float32)
	case TagDouble:
		return floatEqual64(v.Float64, other.Float64)
	case TagBoolean:
		return v.Bool == other.Bool
	case TagDate, TagTime, TagTimestamp, TagTimestampTz:
		return v.Time.Equal(other.Time)
	case TagBinary:
		return bytesEqual(v.Bytes, other.Bytes)
	case TagUnknown:
		return v.OID == other.OID && bytesEqual(v.Bytes, other.Bytes)
	default:
		return false
	}
}

const (
	float32Epsilon = 1e-6
	float64Epsilon = 1e-9
)

func floatEqual32(a, b float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < float32Epsilon
}

func floatEqual64(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < float64Epsilon
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders a Value for diagnostics (not used in decoding).
func (v Value) String() string {
	switch v.Tag {
	case TagNull:
		return "NULL"
	case TagText, TagUUID, TagJSON, TagJSONB:
		return v.Text
	case TagInteger:
		return fmt.Sprintf("%d", v.Int32)
	case TagBigInt:
		return fmt.Sprintf("%d", v.Int64)
	case TagFloat:
		return fmt.Sprintf("%v", v.Float32)
	case TagDouble:
		return fmt.Sprintf("%v", v.Float64)
	case TagBoolean:
		return fmt.Sprintf("%v", v.Bool)
	case TagDate, TagTime, TagTimestamp, TagTimestampTz:
		return v.Time.String()
	case TagBinary:
		return fmt.Sprintf("<binary data: %d bytes>", len(v.Bytes))
	default:
		return fmt.Sprintf("<unknown type: %d>", v.OID)
	}
}

func nullValue() Value          { return Value{Tag: TagNull} }
func textValue(s string) Value  { return Value{Tag: TagText, Text: s} }
func intValue(i int32) Value    { return Value{Tag: TagInteger, Int32: i} }
func bigintValue(i int64) Value { return Value{Tag: TagBigInt, Int64: i} }
func floatValue(f float32) Value {
	return Value{Tag: TagFloat, Float32: f}
}
func doubleValue(f float64) Value { return Value{Tag: TagDouble, Float64: f} }
func boolValue(b bool) Value      { return Value{Tag: TagBoolean, Bool: b} }
func dateValue(t time.Time) Value { return Value{Tag: TagDate, Time: t} }
func timeValue(t time.Time) Value { return Value{Tag: TagTime, Time: t} }
func timestampValue(t time.Time) Value {
	return Value{Tag: TagTimestamp, Time: t}
}
func timestampTzValue(t time.Time) Value {
	return Value{Tag: TagTimestampTz, Time: t}
}
func uuidValue(s string) Value  { return Value{Tag: TagUUID, Text: s} }
func jsonValue(s string) Value  { return Value{Tag: TagJSON, Text: s} }
func jsonbValue(s string) Value { return Value{Tag: TagJSONB, Text: s} }
func binaryValue(b []byte) Value {
	return Value{Tag: TagBinary, Bytes: b}
}
func unknownValue(b []byte, oid uint32) Value {
	return Value{Tag: TagUnknown, Bytes: b, OID: oid}
}
