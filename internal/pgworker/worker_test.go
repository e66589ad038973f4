package pgworker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pingsrv/pingsrv/internal/wirepg"
)

func testConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         5432,
		Database:     "pingsrv_db",
		User:         "alice",
		Password:     "secret",
		DialTimeout:  2 * time.Second,
		PreparePlans: []string{"PREPARE insert_ping AS INSERT INTO pings VALUES ($1, $2)"},
	}
}

func encodeMessage(tag wirepg.Tag, payload []byte) []byte {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	buf = append(buf, lenBuf[:]...)
	return append(buf, payload...)
}

func encodeAuthRequest(subcode uint32, extra []byte) []byte {
	payload := make([]byte, 4+len(extra))
	binary.BigEndian.PutUint32(payload[:4], subcode)
	copy(payload[4:], extra)
	return encodeMessage(wirepg.TagAuthentication, payload)
}

// dialPair returns a client net.Conn (handed to the code under test) and a
// server net.Conn (driven by the test) connected by a net.Pipe, following
// the teacher's scripted-server style in pool_test.go.
func dialPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// startWithScript runs Start against a real loopback listener: we spin up
// a listener on 127.0.0.1 so Start's TCP dial succeeds, then drive the
// accepted connection with script in a goroutine.
func startWithScript(t *testing.T, script func(server net.Conn)) (*Worker, error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	addrPort := ln.Addr().(*net.TCPAddr).Port

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()

	cfg := testConfig()
	cfg.Port = addrPort

	w, err := Start(context.Background(), uuid.New(), cfg)
	<-done
	return w, err
}

func TestStartHappyPath(t *testing.T) {
	w, err := startWithScript(t, func(server net.Conn) {
		// startup message: just drain it, length-prefixed with no tag
		readStartup(t, server)

		server.Write(encodeAuthRequest(5, []byte{1, 2, 3, 4}))
		readPasswordMessage(t, server)
		server.Write(encodeAuthRequest(0, nil))

		// prepare plan
		readQueryMessage(t, server)
		server.Write(encodeMessage(wirepg.TagCommandComplete, append([]byte("PREPARE"), 0)))
		server.Write(encodeMessage(wirepg.TagReadyForQuery, []byte{'I'}))
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()
}

func TestStartFailsOnAuthFailure(t *testing.T) {
	w, err := startWithScript(t, func(server net.Conn) {
		readStartup(t, server)
		server.Write(encodeAuthRequest(0, nil)) // OK instead of MD5 challenge: fatal
	})
	if err == nil {
		t.Fatal("expected error on unexpected auth subcode, got nil")
		w.Close()
	}
}

func TestStartFailsWhenPrepareIsNotCommandComplete(t *testing.T) {
	w, err := startWithScript(t, func(server net.Conn) {
		readStartup(t, server)
		server.Write(encodeAuthRequest(5, []byte{1, 2, 3, 4}))
		readPasswordMessage(t, server)
		server.Write(encodeAuthRequest(0, nil))

		readQueryMessage(t, server)
		server.Write(encodeMessage(wirepg.TagErrorResponse, []byte{'M'}))
	})
	if err == nil {
		t.Fatal("expected error when prepare plan response is not CommandComplete, got nil")
		w.Close()
	}
}

func TestQueryAfterStart(t *testing.T) {
	var w *Worker
	var startErr error

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.PreparePlans = nil

	done := make(chan struct{})
	go func() {
		defer close(done)
		server, err := ln.Accept()
		if err != nil {
			return
		}
		defer server.Close()

		readStartup(t, server)
		server.Write(encodeAuthRequest(5, []byte{1, 2, 3, 4}))
		readPasswordMessage(t, server)
		server.Write(encodeAuthRequest(0, nil))

		readQueryMessage(t, server)
		server.Write(encodeMessage(wirepg.TagCommandComplete, append([]byte("SELECT 1"), 0)))
		server.Write(encodeMessage(wirepg.TagReadyForQuery, []byte{'I'}))
	}()

	w, startErr = Start(context.Background(), uuid.New(), cfg)
	<-done
	if startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}
	defer w.Close()

	result, err := w.Query("SELECT 1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !result.HasCommand || result.Command != "SELECT 1" {
		t.Errorf("Command = %q", result.Command)
	}
}

func readStartup(t *testing.T, conn net.Conn) {
	t.Helper()
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("reading startup length: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	rest := make([]byte, n-4)
	if _, err := readFull(conn, rest); err != nil {
		t.Fatalf("reading startup body: %v", err)
	}
}

func readPasswordMessage(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	return readTaggedMessage(t, conn, wirepg.TagPassword)
}

func readQueryMessage(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	return readTaggedMessage(t, conn, wirepg.TagQuery)
}

func readTaggedMessage(t *testing.T, conn net.Conn, want wirepg.Tag) []byte {
	t.Helper()
	var header [5]byte
	if _, err := readFull(conn, header[:]); err != nil {
		t.Fatalf("reading message header: %v", err)
	}
	if wirepg.Tag(header[0]) != want {
		t.Fatalf("tag = %s, want %s", wirepg.Tag(header[0]), want)
	}
	n := binary.BigEndian.Uint32(header[1:5])
	payload := make([]byte, n-4)
	if _, err := readFull(conn, payload); err != nil {
		t.Fatalf("reading message payload: %v", err)
	}
	return payload
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
