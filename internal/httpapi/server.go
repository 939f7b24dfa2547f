// Package httpapi exposes a vault's status, verification and court reports over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	evidence "github.com/i5heu/ouroboros-evidence"
	"github.com/i5heu/ouroboros-evidence/internal/frame"
	"github.com/i5heu/ouroboros-evidence/internal/store"
	"github.com/i5heu/ouroboros-evidence/internal/verifier"
)

const maxVerifyBody = 64 << 20

// Vault is the part of an evidence vault the API serves.
type Vault interface {
	Status() (evidence.Status, error)
	Verify(ctx context.Context) (verifier.Result, error)
	VerifyFrames(ctx context.Context, frames []frame.EncryptedFrame) (verifier.Result, error)
	Report(evidenceID string) (verifier.Result, error)
	Gatherer() prometheus.Gatherer
}

type route struct {
	Name    string
	Method  string
	Pattern string
	Handler http.Handler
}

type Handler struct {
	vault Vault
	log   *logrus.Entry
}

// NewServer returns an HTTP server serving the API for vault on listenAddress.
func NewServer(vault Vault, listenAddress string, logger *logrus.Entry) *http.Server {
	return &http.Server{
		Addr:         listenAddress,
		Handler:      NewRouter(vault, logger),
		WriteTimeout: time.Second * 60,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
	}
}

func NewRouter(vault Vault, logger *logrus.Entry) *mux.Router {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{vault: vault, log: logger.WithField("component", "httpapi")}

	router := mux.NewRouter().StrictSlash(true)
	router.Use(loggingMiddleware(h.log))
	// Path is matched before the method. mux resets a method mismatch when a later
	// route matches the method but not the path, which would turn 405 into 404.
	for _, r := range h.routes() {
		router.
			Path(r.Pattern).
			Methods(r.Method).
			Name(r.Name).
			Handler(r.Handler)
	}
	router.MethodNotAllowedHandler = http.HandlerFunc(h.MethodNotAllowed)
	return router
}

func (h *Handler) routes() []route {
	return []route{
		{Name: "Health", Method: http.MethodGet, Pattern: "/health", Handler: http.HandlerFunc(h.Health)},
		{Name: "Status", Method: http.MethodGet, Pattern: "/status", Handler: http.HandlerFunc(h.Status)},
		{Name: "Verify", Method: http.MethodPost, Pattern: "/verify", Handler: http.HandlerFunc(h.Verify)},
		{Name: "CourtReport", Method: http.MethodGet, Pattern: "/court-report/{id}", Handler: http.HandlerFunc(h.CourtReport)},
		{Name: "Metrics", Method: http.MethodGet, Pattern: "/metrics", Handler: promhttp.HandlerFor(h.vault.Gatherer(), promhttp.HandlerOpts{})},
	}
}

func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.fail(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	s, err := h.vault.Status()
	if err != nil {
		h.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Verify checks the stored chain, or the frames in the request body when one is
// sent. Tampered evidence is a successful response with is_valid false.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxVerifyBody))
	if err != nil {
		h.fail(w, http.StatusBadRequest, fmt.Errorf("failed to read request: %w", err))
		return
	}

	var res verifier.Result
	if len(body) == 0 {
		res, err = h.vault.Verify(r.Context())
	} else {
		var frames []frame.EncryptedFrame
		if err := json.Unmarshal(body, &frames); err != nil {
			h.fail(w, http.StatusBadRequest, fmt.Errorf("invalid frames: %w", err))
			return
		}
		res, err = h.vault.VerifyFrames(r.Context(), frames)
	}
	if err != nil {
		h.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CourtReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := h.vault.Report(id)
	if errors.Is(err, store.ErrNotFound) {
		h.fail(w, http.StatusNotFound, fmt.Errorf("no report with id %s", id))
		return
	}
	if err != nil {
		h.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.log.WithError(err).Error("Request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, req)

			entry := log.WithFields(logrus.Fields{
				"method":        req.Method,
				"uri":           req.RequestURI,
				"client_ip":     req.RemoteAddr,
				"duration":      time.Since(start),
				"response_code": rw.statusCode,
			})
			if rw.statusCode < http.StatusBadRequest {
				entry.Debug("api")
			} else {
				entry.Warn("api")
			}
		})
	}
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
