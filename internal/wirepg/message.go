// Package wirepg implements the client side of the PostgreSQL v3
// frontend/backend wire protocol: message framing, startup and password
// messages, and decoding of query-response messages into a QueryResult.
//
// It speaks only what this system needs: simple-query execution against a
// server that has already accepted a PREPARE'd plan. There is no support
// for the extended query protocol, TLS, or result-set streaming.
package wirepg

// Tag identifies a wire message's type. Server messages carry a one-byte
// tag on the wire; the startup message does not (TagStartup is an internal
// sentinel, never written to or read from the socket).
type Tag byte

const (
	TagStartup Tag = 0

	TagAuthentication  Tag = 'R'
	TagRowDescription  Tag = 'T'
	TagDataRow         Tag = 'D'
	TagCommandComplete Tag = 'C'
	TagReadyForQuery   Tag = 'Z'
	TagErrorResponse   Tag = 'E'
	TagParameterStatus Tag = 'S'
	TagBackendKeyData  Tag = 'K'

	TagPassword Tag = 'p'
	TagQuery    Tag = 'Q'
)

func (t Tag) String() string {
	if t == TagStartup {
		return "Startup"
	}
	return string(byte(t))
}

// Message is one decoded wire message: tag plus payload, with
// payload length always equal to the declared length minus the 4 bytes
// the length field itself occupies.
type Message struct {
	Tag     Tag
	Payload []byte
}
