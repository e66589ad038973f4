package health

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pingsrv/pingsrv/internal/dbservice"
	"github.com/pingsrv/pingsrv/internal/metrics"
	"github.com/pingsrv/pingsrv/internal/pgworker"
	"github.com/pingsrv/pingsrv/internal/wirepg"
)

func encodeMessage(tag wirepg.Tag, payload []byte) []byte {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	buf = append(buf, lenBuf[:]...)
	return append(buf, payload...)
}

func readFull(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func drainStartup(conn net.Conn) error {
	var lenBuf [4]byte
	if err := readFull(conn, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	return readFull(conn, make([]byte, n-4))
}

func drainOneMessage(conn net.Conn) error {
	var header [5]byte
	if err := readFull(conn, header[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(header[1:5])
	return readFull(conn, make([]byte, n-4))
}

// startTestService starts a one-worker dbservice.Service whose upstream
// always answers "SELECT 1" with the given response messages.
func startTestService(t *testing.T, responses func(conn net.Conn)) *dbservice.Service {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if err := drainStartup(conn); err != nil {
					return
				}
				conn.Write(encodeMessage(wirepg.TagAuthentication, append([]byte{0, 0, 0, 5}, 1, 2, 3, 4)))
				if err := drainOneMessage(conn); err != nil {
					return
				}
				conn.Write(encodeMessage(wirepg.TagAuthentication, []byte{0, 0, 0, 0}))

				for {
					if err := drainOneMessage(conn); err != nil {
						return
					}
					responses(conn)
				}
			}()
		}
	}()

	cfg := pgworker.Config{
		Host:        "127.0.0.1",
		Port:        ln.Addr().(*net.TCPAddr).Port,
		Database:    "pingsrv_db",
		User:        "alice",
		Password:    "secret",
		DialTimeout: 2 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	svc, err := dbservice.Start(ctx, 1, cfg)
	if err != nil {
		t.Fatalf("dbservice.Start: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func healthyResponse(conn net.Conn) {
	conn.Write(encodeMessage(wirepg.TagCommandComplete, append([]byte("SELECT 1"), 0)))
	conn.Write(encodeMessage(wirepg.TagReadyForQuery, []byte{'I'}))
}

func unhealthyResponse(conn net.Conn) {
	errPayload := append([]byte{'M'}, []byte("connection refused")...)
	errPayload = append(errPayload, 0, 0)
	conn.Write(encodeMessage(wirepg.TagErrorResponse, errPayload))
	conn.Write(encodeMessage(wirepg.TagReadyForQuery, []byte{'E'}))
}

func TestCheckerHealthyAfterSuccessfulProbe(t *testing.T) {
	svc := startTestService(t, healthyResponse)
	c := NewChecker(svc, metrics.New(), time.Hour, 3)

	c.check()

	st := c.State()
	if st.Status != StatusHealthy {
		t.Errorf("Status = %v, want Healthy", st.Status)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", st.ConsecutiveFailures)
	}
}

func TestCheckerUnhealthyAfterThresholdFailures(t *testing.T) {
	svc := startTestService(t, unhealthyResponse)
	c := NewChecker(svc, metrics.New(), time.Hour, 2)

	c.check()
	if st := c.State(); st.Status == StatusUnhealthy {
		t.Fatal("should not be Unhealthy before reaching the failure threshold")
	}

	c.check()
	st := c.State()
	if st.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want Unhealthy after %d consecutive failures", st.Status, st.ConsecutiveFailures)
	}
	if st.LastError == "" {
		t.Error("expected LastError to be set")
	}
}

func TestCheckerRecoversAfterSuccessFollowingFailures(t *testing.T) {
	svc := startTestService(t, unhealthyResponse)
	c := NewChecker(svc, metrics.New(), time.Hour, 1)

	c.check()
	if st := c.State(); st.Status != StatusUnhealthy {
		t.Fatalf("Status = %v, want Unhealthy", st.Status)
	}

	// A healthy probe immediately resets the failure count, regardless of
	// the transport the next probe happens to use.
	c.svc = startTestService(t, healthyResponse)
	c.check()

	st := c.State()
	if st.Status != StatusHealthy {
		t.Errorf("Status = %v, want Healthy", st.Status)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", st.ConsecutiveFailures)
	}
}
