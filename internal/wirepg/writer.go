package wirepg

import (
	"encoding/binary"
	"io"
)

// writeEnvelope emits tag || uint32_be(len(payload)+4) || payload, with no
// trailing terminator. Used for messages whose payload is already
// self-delimited binary data (SASL responses), as opposed to the
// null-terminated text bodies writeFramedText produces.
func writeEnvelope(w io.Writer, tag Tag, payload []byte) error {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// writeFramedText emits tag || uint32_be(len(body)+5) || body || 0x00, the
// writer contract for the two null-terminated-text client messages, 'Q'
// and 'p' (MD5 form).
func writeFramedText(w io.Writer, tag Tag, body string) error {
	b := []byte(body)
	buf := make([]byte, 0, 5+len(b)+1)
	buf = append(buf, byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)+5))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	buf = append(buf, 0)
	_, err := w.Write(buf)
	return err
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// WriteStartup emits the client startup message: length-prefixed, tagless,
// protocol version 3.0, followed by null-terminated "user"/"database"
// key-value pairs and a final terminator.
func WriteStartup(w io.Writer, user, database string) error {
	var body []byte
	var ver [4]byte
	binary.BigEndian.PutUint16(ver[0:2], 3)
	binary.BigEndian.PutUint16(ver[2:4], 0)
	body = append(body, ver[:]...)
	body = appendCString(body, "user")
	body = appendCString(body, user)
	body = appendCString(body, "database")
	body = appendCString(body, database)
	body = append(body, 0)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(body)))
	_, err := w.Write(append(lenBuf[:], body...))
	return err
}

// WritePassword emits a 'p' password message carrying the given
// null-terminated text payload (an "md5..." digest).
func WritePassword(w io.Writer, payload string) error {
	return writeFramedText(w, TagPassword, payload)
}

// WriteQuery emits a simple-query 'Q' message carrying the given SQL text.
func WriteQuery(w io.Writer, sql string) error {
	return writeFramedText(w, TagQuery, sql)
}
