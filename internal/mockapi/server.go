// Package mockapi serves an in-memory appointment API so simulations can be
// dry-run without the real backend.
package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/apptload/internal/simulation"
)

// DefaultMaxStored bounds how many appointments are kept; older ones are dropped.
const DefaultMaxStored = 10000

// maxBody bounds the accepted request body.
const maxBody = 1 << 20

// Options configures the mock API.
type Options struct {
	// Latency is added to every appointment request
	Latency time.Duration

	// MaxStored defaults to DefaultMaxStored
	MaxStored int

	Logger *zap.Logger
}

// Server implements the create and query endpoints over an in-memory store.
// It is safe for concurrent use.
type Server struct {
	opts Options
	log  *zap.Logger
	mux  *http.ServeMux

	mu           sync.RWMutex
	appointments []simulation.Appointment
	created      int64
	rejected     int64
}

// New creates a mock API.
func New(opts Options) *Server {
	if opts.MaxStored <= 0 {
		opts.MaxStored = DefaultMaxStored
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{opts: opts, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST "+simulation.PathCreate, s.handleCreate)
	s.mux.HandleFunc("GET "+simulation.PathQuery, s.handleQuery)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Stats reports how many creates were accepted and rejected, and how many
// appointments are currently stored.
func (s *Server) Stats() (created, rejected int64, stored int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created, s.rejected, len(s.appointments)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.delay(r.Context()) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.reject(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := simulation.ValidateAppointment(body); err != nil {
		s.reject(w, http.StatusBadRequest, err.Error())
		return
	}
	var req simulation.AppointmentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	appt := simulation.Appointment{
		ID:             uuid.NewString(),
		ETag:           `W/"` + uuid.NewString()[:8] + `"`,
		PatientName:    req.Item.PatientName,
		ScheduledStart: req.Item.ScheduledStart,
		ScheduledEnd:   req.Item.ScheduledEnd,
	}
	if req.Item.Notes != nil {
		appt.Notes = *req.Item.Notes
	}

	s.mu.Lock()
	s.appointments = append(s.appointments, appt)
	if over := len(s.appointments) - s.opts.MaxStored; over > 0 {
		s.appointments = append(s.appointments[:0:0], s.appointments[over:]...)
	}
	s.created++
	s.mu.Unlock()

	s.log.Debug("appointment created", zap.String("id", appt.ID), zap.String("client", req.ClientID))
	w.Header().Set("ETag", appt.ETag)
	writeJSON(w, http.StatusCreated, appt)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !s.delay(r.Context()) {
		return
	}

	s.mu.RLock()
	out := make([]simulation.Appointment, len(s.appointments))
	copy(out, s.appointments)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, out)
}

// delay applies the configured latency; false means the client went away.
func (s *Server) delay(ctx context.Context) bool {
	if s.opts.Latency <= 0 {
		return true
	}
	t := time.NewTimer(s.opts.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) reject(w http.ResponseWriter, status int, msg string) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	s.log.Debug("appointment rejected", zap.String("reason", msg))
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// the given timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5*time.Second + s.opts.Latency,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("mock appointment API listening", zap.String("addr", addr), zap.Duration("latency", s.opts.Latency))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
