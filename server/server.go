// Package server exposes the assistant over HTTP: a small REST API for
// sessions, uploads, and guides, plus a websocket endpoint that runs the
// agent loop for a session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/djeidy/codex-sub000/agentloop"
	"github.com/djeidy/codex-sub000/guides"
	"github.com/djeidy/codex-sub000/llmclient"
	"github.com/djeidy/codex-sub000/sessionstore"
	"github.com/djeidy/codex-sub000/shelltool"
)

// ModelClient is the slice of llmclient.Client the server needs: streaming
// turns for the loop and one-shot completions for session titles.
type ModelClient interface {
	llmclient.Streamer
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// Server wires the stores, the model client, and the agent loop behind an
// http.Handler.
type Server struct {
	cfg          Config
	log          *slog.Logger
	store        *sessionstore.Store
	guides       *guides.Store
	client       ModelClient
	tools        agentloop.ToolRunner
	instructions string
}

// New builds a Server. The tool executor follows cfg's approval policy.
func New(cfg Config, log *slog.Logger, store *sessionstore.Store, g *guides.Store, client ModelClient) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		log:          log,
		store:        store,
		guides:       g,
		client:       client,
		tools:        shelltool.NewExecutor(cfg.Policy()),
		instructions: buildInstructions(g),
	}
}

// Handler returns the full route table wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/uploads", s.handleUpload)
	mux.HandleFunc("GET /api/guides", s.handleListGuides)
	mux.HandleFunc("GET /api/guides/{slug}", s.handleGetGuide)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleSocket)
	return requestLogging(s.log)(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.List()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

type createSessionRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, err.Error())
			return
		}
	}
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	sess, err := s.store.Create(model)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadExtensions is the allowlist for uploaded files. Everything the
// assistant can usefully read as text; no binaries, no scripts.
var uploadExtensions = map[string]bool{
	".log":  true,
	".txt":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".md":   true,
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, errorCodeTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !uploadExtensions[ext] {
		writeError(w, http.StatusBadRequest, errorCodeInvalidRequest,
			fmt.Sprintf("file type %q is not allowed", ext))
		return
	}

	up, err := s.store.SaveUpload(id, header.Filename, file)
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, errorCodeTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}

// isTooLarge detects the MaxBytesReader limit. The multipart reader does
// not always preserve the typed error, so fall back on the message.
func isTooLarge(err error) bool {
	var tooBig *http.MaxBytesError
	return errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large")
}

// guideSummary is the listing view of a guide, without the body.
type guideSummary struct {
	Slug    string   `json:"slug"`
	Title   string   `json:"title"`
	Tags    []string `json:"tags,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

const defaultGuideSearchLimit = 20

func (s *Server) handleListGuides(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := defaultGuideSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var matched []*guides.Guide
	if query == "" {
		matched = s.guides.All()
	} else {
		matched = s.guides.Search(query, limit)
	}

	out := make([]guideSummary, 0, len(matched))
	for _, g := range matched {
		out = append(out, guideSummary{Slug: g.Slug, Title: g.Title, Tags: g.Tags, Summary: g.Summary})
	}
	writeJSON(w, http.StatusOK, map[string]any{"guides": out})
}

func (s *Server) handleGetGuide(w http.ResponseWriter, r *http.Request) {
	g, err := s.guides.Get(r.PathValue("slug"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

const maxRequestBodyBytes = 1 << 20

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeNotFound       = "not_found"
	errorCodeTooLarge       = "too_large"
	errorCodeInternal       = "internal_error"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionstore.ErrNotFound), errors.Is(err, guides.ErrNotFound):
		writeError(w, http.StatusNotFound, errorCodeNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, errorCodeInternal, err.Error())
	}
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

// requestLogging logs each request after it completes. Websocket upgrades
// pass through unwrapped: the capture writer would hide the http.Hijacker
// the upgrader needs.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				logger.LogAttrs(r.Context(), slog.LevelInfo, "websocket upgrade",
					slog.String("path", r.URL.Path))
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			cw := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)
			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", cw.statusCode()),
				slog.Int("bytes", cw.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

type captureWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *captureWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *captureWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
