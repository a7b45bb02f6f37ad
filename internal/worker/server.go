// Package worker is the reference shard worker: an HTTP/JSON server that
// answers the RPC method of one task kind on the shard's port.
//
// The inference itself is behind Backend. The dispatcher calls every shard
// of a replica with the same payload and keeps the reply of shard 0.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tpserve/pkg/types"
)

// maxBodyBytes bounds a single RPC payload.
const maxBodyBytes = 8 << 20

// Backend runs one inference request. Implementations receive the decoded,
// task-specific request and return the matching reply type.
type Backend interface {
	Handle(ctx context.Context, req types.Request) (types.Response, error)
}

// Server serves one shard.
type Server struct {
	spec    Spec
	backend Backend
	log     zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer returns a shard server for spec.
func NewServer(spec Spec, backend Backend, log zerolog.Logger) *Server {
	return &Server{spec: spec, backend: backend, log: log, stop: make(chan struct{})}
}

// Handler returns the chi router: the task's RPC path plus /healthz.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post(types.ShutdownPath, func(w http.ResponseWriter, r *http.Request) {
		s.log.Info().Int("rank", s.spec.Rank).Msg("shutdown requested")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"stopping"}` + "\n"))
		s.stopOnce.Do(func() { close(s.stop) })
	})
	if rt, err := types.RouteFor(s.spec.Task); err == nil {
		r.Post(rt.Path(), s.serveRPC)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "unknown method for task "+strconv.Quote(s.spec.Task.String()))
	})
	return r
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	req, err := types.DecodeRequest(s.spec.Task, body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.backend.Handle(r.Context(), req)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("inference failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stampTime(resp, time.Since(start))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn().Err(err).Msg("write reply")
		return
	}
	s.log.Debug().
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("rank", s.spec.Rank).
		Dur("dur", time.Since(start)).
		Msg("rpc served")
}

// stampTime fills the end-to-end time of replies that did not set it.
func stampTime(resp types.Response, d time.Duration) {
	secs := d.Seconds()
	switch v := resp.(type) {
	case *types.MultiStringReply:
		if v.TimeTaken == 0 {
			v.TimeTaken = secs
		}
	case *types.SingleStringReply:
		if v.TimeTaken == 0 {
			v.TimeTaken = secs
		}
	case *types.ConversationReply:
		if v.TimeTaken == 0 {
			v.TimeTaken = secs
		}
	}
}

// ListenAndServe serves the shard on its host:port until ctx is cancelled
// or a shutdown is requested, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.spec.Ports.Host, strconv.Itoa(s.spec.Port()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Str("task", s.spec.Task.String()).Int("rank", s.spec.Rank).Msg("worker listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.stop:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
