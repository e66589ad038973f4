package wirepg

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// ColumnDescriptor is one field of a RowDescription.
type ColumnDescriptor struct {
	Name    string
	TypeOID int32
}

// Row is one decoded data row, one entry per column in declaration order.
// A column whose wire value was -1 (SQL NULL) decodes to Null rather than
// to any type-specific zero value, so callers can tell "empty string" from
// "no value" apart.
type Row []any

type nullValue struct{}

func (nullValue) String() string { return "NULL" }

// Null is the sentinel value decoded for any column whose wire length was
// -1. Compare with == against the exact wirepg.Null value.
var Null any = nullValue{}

// QueryResult is the accumulated result of one simple-query exchange: the
// field list from the most recent RowDescription, every row from every
// DataRow seen before the terminating ReadyForQuery, and presence flags for
// the command tag and error fields (there is no error in the common case,
// and no command tag for a RowDescription-only exchange cut off early).
type QueryResult struct {
	Fields []ColumnDescriptor
	Rows   []Row

	Command    string
	HasCommand bool

	Status    byte
	HasStatus bool

	// Error is the field-code byte of the first field in an ErrorResponse
	// (e.g. 'S' for severity). Remaining error fields are not parsed, per
	// the wire client's result shape.
	Error    byte
	HasError bool

	// ErrorMessage is a convenience decode of the 'M' (human-readable
	// message) field, kept alongside Error for callers that want it; it
	// is not part of the pinned result shape.
	ErrorMessage string
}

// oidDecoders maps a Postgres type oid to the function that turns its raw
// wire bytes into a Go value. Every oid outside this table decodes to its
// raw []byte, unmodified.
var oidDecoders = map[int32]func([]byte) any{
	1043: func(raw []byte) any { return string(raw) },
	20: func(raw []byte) any {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return string(raw)
		}
		return n
	},
}

func decodeValue(oid int32, raw []byte) any {
	if dec, ok := oidDecoders[oid]; ok {
		return dec(raw)
	}
	return raw
}

func parseCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseRowDescription decodes a 'T' message payload: int16 field count,
// then per field a null-terminated name, 4 bytes table oid, 2 bytes
// attribute number, 4 bytes type oid, 2 bytes type size, 4 bytes type
// modifier, 2 bytes format code.
func parseRowDescription(payload []byte) ([]ColumnDescriptor, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wirepg: RowDescription payload too short")
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	pos := 2
	fields := make([]ColumnDescriptor, 0, count)
	for i := 0; i < count; i++ {
		nameEnd := pos
		for nameEnd < len(payload) && payload[nameEnd] != 0 {
			nameEnd++
		}
		if nameEnd >= len(payload) {
			return nil, fmt.Errorf("wirepg: RowDescription field %d: unterminated name", i)
		}
		name := string(payload[pos:nameEnd])
		pos = nameEnd + 1

		if pos+18 > len(payload) {
			return nil, fmt.Errorf("wirepg: RowDescription field %d: truncated", i)
		}
		pos += 6 // table oid (4) + attribute number (2)
		oid := int32(binary.BigEndian.Uint32(payload[pos : pos+4]))
		pos += 4
		pos += 8 // type size (2) + type modifier (4) + format code (2)

		fields = append(fields, ColumnDescriptor{Name: name, TypeOID: oid})
	}
	return fields, nil
}

// parseDataRow decodes a 'D' message payload against the given field list:
// int16 column count, then per column a 4-byte signed length (-1 for NULL)
// followed by that many raw bytes.
func parseDataRow(payload []byte, fields []ColumnDescriptor) (Row, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wirepg: DataRow payload too short")
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	pos := 2
	row := make(Row, 0, count)
	for i := 0; i < count; i++ {
		if pos+4 > len(payload) {
			return nil, fmt.Errorf("wirepg: DataRow column %d: truncated length", i)
		}
		length := int32(binary.BigEndian.Uint32(payload[pos : pos+4]))
		pos += 4
		if length == -1 {
			row = append(row, Null)
			continue
		}
		if pos+int(length) > len(payload) {
			return nil, fmt.Errorf("wirepg: DataRow column %d: truncated value", i)
		}
		raw := payload[pos : pos+int(length)]
		pos += int(length)

		var oid int32
		if i < len(fields) {
			oid = fields[i].TypeOID
		}
		row = append(row, decodeValue(oid, raw))
	}
	return row, nil
}

// ParseQueryResult reads messages from fr until a ReadyForQuery message
// terminates the exchange, accumulating a QueryResult. Rows are prepended
// as they arrive rather than appended, so the result's row order is the
// reverse of wire arrival order; this is a pinned, deliberate quirk of
// this client, not a bug.
func ParseQueryResult(fr *FrameReader) (QueryResult, error) {
	var result QueryResult
	result.Rows = make([]Row, 0)

	for {
		msg, err := fr.Next()
		if err != nil {
			return result, fmt.Errorf("wirepg: reading query result: %w", err)
		}

		switch msg.Tag {
		case TagRowDescription:
			fields, err := parseRowDescription(msg.Payload)
			if err != nil {
				return result, err
			}
			result.Fields = fields

		case TagDataRow:
			row, err := parseDataRow(msg.Payload, result.Fields)
			if err != nil {
				return result, err
			}
			result.Rows = append([]Row{row}, result.Rows...)

		case TagCommandComplete:
			result.Command = parseCString(msg.Payload)
			result.HasCommand = true

		case TagErrorResponse:
			if len(msg.Payload) < 1 {
				return result, fmt.Errorf("wirepg: ErrorResponse payload too short")
			}
			result.Error = msg.Payload[0]
			result.HasError = true
			result.ErrorMessage = parseErrorMessage(msg.Payload)

		case TagReadyForQuery:
			if len(msg.Payload) < 1 {
				return result, fmt.Errorf("wirepg: ReadyForQuery payload too short")
			}
			result.Status = msg.Payload[0]
			result.HasStatus = true
			return result, nil

		case TagParameterStatus, TagBackendKeyData:
			// ignored: not part of the query-result shape this client exposes

		default:
			return result, fmt.Errorf("wirepg: unexpected message tag %s while parsing query result", msg.Tag)
		}
	}
}
