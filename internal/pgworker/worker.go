// Package pgworker implements a single authenticated Postgres connection:
// the startup handshake, prepared-plan setup, and simple-query execution
// against one live socket. A Worker does not track its own
// starting/idle/busy/dead lifecycle state — that belongs to whatever pool
// owns it; a Worker only knows how to speak to its one connection.
package pgworker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/pingsrv/pingsrv/internal/wirepg"
)

// Config describes how to dial and authenticate a new worker connection,
// and which prepared plans to install once authenticated.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	DialTimeout  time.Duration
	PreparePlans []string
}

// Worker is one live, authenticated connection to Postgres.
type Worker struct {
	ID   uuid.UUID
	conn net.Conn
	fr   *wirepg.FrameReader
}

// Start dials cfg.Host:cfg.Port, runs the startup handshake (authentication
// plus every configured prepare plan), and returns a ready Worker. Any
// failure at any step is fatal: the half-open connection is closed and the
// caller (the pool) is expected to try again with a fresh id.
func Start(ctx context.Context, id uuid.UUID, cfg Config) (*Worker, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pgworker: dialing %s: %w", addr, err)
	}

	w := &Worker{
		ID:   id,
		conn: conn,
		fr:   wirepg.NewFrameReaderFromConn(conn),
	}

	if err := w.startup(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	return w, nil
}

func (w *Worker) startup(cfg Config) error {
	if err := wirepg.WriteStartup(w.conn, cfg.User, cfg.Database); err != nil {
		return fmt.Errorf("pgworker: sending startup message: %w", err)
	}

	if err := wirepg.Authenticate(w.fr, w.conn, cfg.User, cfg.Password); err != nil {
		return fmt.Errorf("pgworker: authenticating: %w", err)
	}

	for _, sql := range cfg.PreparePlans {
		if err := w.runPreparePlan(sql); err != nil {
			return fmt.Errorf("pgworker: installing prepared plan %q: %w", sql, err)
		}
	}

	return nil
}

// runPreparePlan sends sql as a simple-query message and requires the
// first response message to be CommandComplete; any other tag is a fatal
// startup error. Remaining messages up to ReadyForQuery are drained.
func (w *Worker) runPreparePlan(sql string) error {
	if err := wirepg.WriteQuery(w.conn, sql); err != nil {
		return fmt.Errorf("sending query: %w", err)
	}

	first, err := w.fr.Next()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if first.Tag != wirepg.TagCommandComplete {
		return fmt.Errorf("expected CommandComplete, got tag %s", first.Tag)
	}

	for {
		msg, err := w.fr.Next()
		if err != nil {
			return fmt.Errorf("draining response: %w", err)
		}
		if msg.Tag == wirepg.TagReadyForQuery {
			return nil
		}
	}
}

// Query runs sql as a simple-query message and parses the full response
// into a QueryResult. A query-level error (an 'E' message in the
// response) is reported in the result, not returned as an error; only
// transport-level failures are returned as errors, since those indicate
// the worker is no longer usable.
func (w *Worker) Query(sql string) (wirepg.QueryResult, error) {
	if err := wirepg.WriteQuery(w.conn, sql); err != nil {
		return wirepg.QueryResult{}, fmt.Errorf("pgworker: sending query: %w", err)
	}
	result, err := wirepg.ParseQueryResult(w.fr)
	if err != nil {
		return result, fmt.Errorf("pgworker: reading query result: %w", err)
	}
	return result, nil
}

// Close closes the underlying connection.
func (w *Worker) Close() error {
	return w.conn.Close()
}
