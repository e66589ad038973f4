// Package httpapi exposes the HTTP surface for recording and querying
// device pings: POST /pings, GET /pings/{device_id}, plus /healthz and
// /metrics for operators.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pingsrv/pingsrv/internal/controller"
	"github.com/pingsrv/pingsrv/internal/dateutil"
	"github.com/pingsrv/pingsrv/internal/dbservice"
	"github.com/pingsrv/pingsrv/internal/health"
	"github.com/pingsrv/pingsrv/internal/metrics"
	"github.com/pingsrv/pingsrv/internal/wirepg"
)

// Server is the HTTP API and metrics server.
type Server struct {
	svc        *dbservice.Service
	healthChk  *health.Checker
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server bound to the given service facade.
func NewServer(svc *dbservice.Service, hc *health.Checker, m *metrics.Collector) *Server {
	return &Server{
		svc:       svc,
		healthChk: hc,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start begins serving on addr (e.g. "0.0.0.0:8080"). ListenAndServe runs
// in a background goroutine and Start returns nil at once, without waiting
// for the listener; a failure to bind is logged by that goroutine, not
// returned.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.Use(gzipMiddleware)

	r.HandleFunc("/pings", s.createPing).Methods("POST")
	r.HandleFunc("/pings/{device_id}", s.listPings).Methods("GET")

	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("http api listening", "component", "httpapi", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http api server error", "component", "httpapi", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type pingRequest struct {
	DeviceID  string `json:"device_id"`
	EpochTime int64  `json:"epoch_time"`
}

type ping struct {
	DeviceID  string `json:"device_id"`
	EpochTime int64  `json:"epoch_time"`
}

func (s *Server) createPing(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	start := time.Now()
	result, err := s.svc.Query(controller.InsertPingSQL(req.DeviceID, req.EpochTime))
	s.recordOutcome(err, result, time.Since(start))

	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error: "+err.Error())
		return
	}
	if result.HasError {
		writeError(w, http.StatusBadRequest, result.ErrorMessage)
		return
	}

	writeJSON(w, http.StatusCreated, ping{DeviceID: req.DeviceID, EpochTime: req.EpochTime})
}

func (s *Server) listPings(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "from and to query parameters are required")
		return
	}

	fromEpoch, err := dateutil.ParseRFC3339ToEpoch(fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from timestamp: "+err.Error())
		return
	}
	toEpoch, err := dateutil.ParseRFC3339ToEpoch(toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to timestamp: "+err.Error())
		return
	}

	start := time.Now()
	result, err := s.svc.Query(controller.PingsInRangeSQL(deviceID, fromEpoch, toEpoch))
	s.recordOutcome(err, result, time.Since(start))

	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error: "+err.Error())
		return
	}
	if result.HasError {
		writeError(w, http.StatusBadRequest, result.ErrorMessage)
		return
	}

	pings := make([]ping, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) < 2 {
			continue
		}
		id, _ := row[0].(string)
		epoch, _ := row[1].(int64)
		pings = append(pings, ping{DeviceID: id, EpochTime: epoch})
	}

	writeJSON(w, http.StatusOK, pings)
}

// recordOutcome classifies a Query call's result and feeds it to metrics.
func (s *Server) recordOutcome(err error, result wirepg.QueryResult, d time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		outcome = metrics.OutcomeTransportError
	case result.HasError:
		outcome = metrics.OutcomeQueryError
	}
	s.metrics.QueryCompleted(outcome, d)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.healthChk.State()
	status := http.StatusOK
	if st.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":               st.Status.String(),
		"last_check":           st.LastCheck,
		"consecutive_failures": st.ConsecutiveFailures,
		"last_error":           st.LastError,
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
