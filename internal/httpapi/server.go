// Package httpapi is the gateway: the HTTP surface that routes queries to
// the active deployments of a registry.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tpserve/internal/dispatch"
	"tpserve/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Descriptor(tag string) (types.Descriptor, error)
	Query(ctx context.Context, tag string, req types.Request) (types.QueryResponse, error)
	Status() []types.DeploymentStatus
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsOptions != nil {
		r.Use(cors.Handler(*corsOptions))
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/v1/deployments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.DeploymentsResponse{Deployments: svc.Status()})
	})

	r.Get("/v1/deployments/{tag}", func(w http.ResponseWriter, r *http.Request) {
		tag := chi.URLParam(r, "tag")
		for _, st := range svc.Status() {
			if st.Tag == tag {
				writeJSON(w, st)
				return
			}
		}
		writeJSONError(w, http.StatusNotFound, "deployment "+tag+" not found")
	})

	r.Post("/v1/deployments/{tag}/query", func(w http.ResponseWriter, r *http.Request) {
		serveQuery(svc, w, r)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func serveQuery(svc Service, w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	start := time.Now()
	lvl := requestLogLevel(r)

	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		IncrementRejected("content_type")
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	desc, err := svc.Descriptor(tag)
	if err != nil {
		status := statusFor(err)
		writeJSONError(w, status, err.Error())
		logQueryEnd(r, lvl, tag, types.TaskNone, status, start, err)
		return
	}
	if desc.Empty() {
		IncrementRejected("empty_deployment")
		err := &dispatch.NotReadyError{Tag: tag, Replica: -1, Liveness: types.Starting}
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		logQueryEnd(r, lvl, tag, desc.Task, http.StatusServiceUnavailable, start, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			IncrementRejected("body_too_large")
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := types.DecodeRequest(desc.Task, body)
	if err != nil {
		IncrementRejected("invalid_body")
		writeJSONError(w, http.StatusBadRequest, err.Error())
		logQueryEnd(r, lvl, tag, desc.Task, http.StatusBadRequest, start, err)
		return
	}

	if lvl >= LevelDebug && zlog != nil {
		zlog.Debug().Str("tag", tag).Str("task", desc.Task.String()).Str("request_id", middleware.GetReqID(r.Context())).Msg("query start")
	}
	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()
	if queryTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, queryTimeout)
		defer tcancel()
	}
	resp, err := svc.Query(ctx, tag, req)
	if err != nil {
		// Client went away; nobody to answer.
		if r.Context().Err() != nil {
			return
		}
		status := statusFor(err)
		if serverBaseCtx.Err() != nil {
			status = http.StatusServiceUnavailable
		}
		writeJSONError(w, status, err.Error())
		logQueryEnd(r, lvl, tag, desc.Task, status, start, err)
		return
	}
	writeJSON(w, resp)
	logQueryEnd(r, lvl, tag, desc.Task, http.StatusOK, start, nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
