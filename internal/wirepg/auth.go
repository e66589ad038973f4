package wirepg

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	authOK                uint32 = 0
	authMD5Password       uint32 = 5
	authSASL              uint32 = 10
	authSASLContinue      uint32 = 11
	authSASLFinal         uint32 = 12
)

// MD5PasswordPayload computes the "md5"-prefixed hex digest PostgreSQL's
// MD5 authentication expects: md5(hex(md5(password+user)) + salt), with
// the final digest hex-encoded and prefixed with the literal "md5".
func MD5PasswordPayload(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// Authenticate performs the startup authentication exchange: it expects an
// Authentication message, handles the MD5 (subcode 5) and SASL/SCRAM-SHA-256
// (subcode 10) paths, and then waits for one final Authentication message
// (any subcode, normally AuthenticationOk). Any other subcode in the first
// message, or an ErrorResponse at any point, is fatal.
func Authenticate(fr *FrameReader, w io.Writer, user, password string) error {
	msg, err := fr.Next()
	if err != nil {
		return fmt.Errorf("wirepg: reading authentication request: %w", err)
	}

	switch msg.Tag {
	case TagErrorResponse:
		return fmt.Errorf("wirepg: authentication rejected: %s", parseErrorMessage(msg.Payload))
	case TagAuthentication:
		// handled below
	default:
		return fmt.Errorf("wirepg: expected Authentication message, got tag %s", msg.Tag)
	}

	if len(msg.Payload) < 4 {
		return fmt.Errorf("wirepg: Authentication message payload too short")
	}
	subcode := binary.BigEndian.Uint32(msg.Payload[:4])

	switch subcode {
	case authMD5Password:
		if len(msg.Payload) != 8 {
			return fmt.Errorf("wirepg: AuthenticationMD5Password payload must carry a 4-byte salt")
		}
		var salt [4]byte
		copy(salt[:], msg.Payload[4:8])
		digest := MD5PasswordPayload(user, password, salt)
		if err := WritePassword(w, digest); err != nil {
			return fmt.Errorf("wirepg: sending MD5 password message: %w", err)
		}
	case authSASL:
		if err := scramSHA256(fr, w, user, password, msg.Payload[4:]); err != nil {
			return fmt.Errorf("wirepg: SCRAM-SHA-256 exchange: %w", err)
		}
	default:
		return fmt.Errorf("wirepg: unsupported authentication method %d", subcode)
	}

	return finishAuthentication(fr)
}

// finishAuthentication reads the final message of the authentication
// exchange and requires it to be an Authentication message (any subcode,
// including AuthenticationOk); an ErrorResponse or anything else is fatal.
func finishAuthentication(fr *FrameReader) error {
	msg, err := fr.Next()
	if err != nil {
		return fmt.Errorf("wirepg: reading authentication result: %w", err)
	}
	switch msg.Tag {
	case TagAuthentication:
		return nil
	case TagErrorResponse:
		return fmt.Errorf("wirepg: authentication failed: %s", parseErrorMessage(msg.Payload))
	default:
		return fmt.Errorf("wirepg: expected Authentication message, got tag %s", msg.Tag)
	}
}

// parseErrorMessage extracts the human-readable 'M' field from an
// ErrorResponse payload, which is a sequence of one-byte-field-type plus
// null-terminated string, terminated by a final null byte.
func parseErrorMessage(payload []byte) string {
	pos := 0
	for pos < len(payload) && payload[pos] != 0 {
		fieldType := payload[pos]
		pos++
		start := pos
		for pos < len(payload) && payload[pos] != 0 {
			pos++
		}
		if pos >= len(payload) {
			break
		}
		value := string(payload[start:pos])
		pos++
		if fieldType == 'M' {
			return value
		}
	}
	return "unknown error"
}
