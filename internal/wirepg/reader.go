package wirepg

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MoreFunc supplies additional bytes read from the wire, in whatever chunk
// size the underlying transport happens to deliver. It must return a
// non-nil error (typically wrapping io.EOF) when no further bytes will
// ever arrive.
type MoreFunc func() ([]byte, error)

// FrameReader turns a stream of arbitrarily-chunked bytes into a stream of
// complete wire messages. Bytes beyond the current message are kept in the
// accumulator for the next call to Next, so a message that straddles two
// reads from the underlying transport still parses correctly, and a
// FrameReader can be fed byte-for-byte-arbitrary chunks in tests without
// touching a real socket.
type FrameReader struct {
	buf  []byte
	more MoreFunc
}

// NewFrameReader builds a FrameReader that calls more whenever it needs
// additional bytes to complete a message.
func NewFrameReader(more MoreFunc) *FrameReader {
	return &FrameReader{more: more}
}

// NewFrameReaderFromConn builds a FrameReader that pulls its chunks from r
// (typically a net.Conn) using a fixed-size scratch buffer per read.
func NewFrameReaderFromConn(r io.Reader) *FrameReader {
	return NewFrameReader(func() ([]byte, error) {
		chunk := make([]byte, 4096)
		n, err := r.Read(chunk)
		if n > 0 {
			return chunk[:n], nil
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, err
	})
}

// fill reads more bytes into buf until it holds at least n bytes.
func (r *FrameReader) fill(n int) error {
	for len(r.buf) < n {
		chunk, err := r.more()
		if err != nil {
			return err
		}
		r.buf = append(r.buf, chunk...)
	}
	return nil
}

// Next returns the next complete message, blocking on more as needed. A
// message is only ever returned once its full, declared length has been
// accumulated; a short read past socket close surfaces as an error rather
// than a truncated message.
func (r *FrameReader) Next() (Message, error) {
	if err := r.fill(5); err != nil {
		return Message{}, fmt.Errorf("wirepg: reading message envelope: %w", err)
	}

	tag := Tag(r.buf[0])
	length := binary.BigEndian.Uint32(r.buf[1:5])
	if length < 4 {
		return Message{}, fmt.Errorf("wirepg: message declares length %d, which is shorter than the length field itself", length)
	}

	total := 1 + int(length)
	if err := r.fill(total); err != nil {
		return Message{}, fmt.Errorf("wirepg: reading message payload (tag %s, %d bytes): %w", tag, length-4, err)
	}

	payload := append([]byte(nil), r.buf[5:total]...)
	r.buf = r.buf[total:]
	return Message{Tag: tag, Payload: payload}, nil
}
