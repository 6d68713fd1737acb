// Package api exposes the HTTP surface of the upload service. It parses and
// authenticates requests, then delegates to the upload service; it never
// touches the scratch or metadata stores directly.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TonAldo48/stash/internal/config"
	"github.com/TonAldo48/stash/internal/store"
	"github.com/TonAldo48/stash/internal/upload"
)

// Handler wires HTTP routes to the upload service.
type Handler struct {
	cfg *config.Config
	svc *upload.Service
	log zerolog.Logger
}

// NewHandler creates a Handler instance.
func NewHandler(cfg *config.Config, svc *upload.Service, log zerolog.Logger) *Handler {
	return &Handler{cfg: cfg, svc: svc, log: log.With().Str("component", "api").Logger()}
}

// Router returns a configured chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-Id", "X-Chunk-Index", "X-Chunk-Checksum"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.handleHealth)
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/init", h.withAuth(h.handleInit))
		r.Post("/{uploadID}/chunks", h.withAuth(h.handleChunk))
		r.Post("/{uploadID}/finalize", h.withAuth(h.handleFinalize))
		r.Post("/{uploadID}/abort", h.withAuth(h.handleAbort))
		r.Get("/{uploadID}", h.withAuth(h.handleStatus))
	})

	return r
}

// requestLogger emits one structured line per request.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request, user uuid.UUID) {
	var req upload.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	res, err := h.svc.InitUpload(r.Context(), user, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request, user uuid.UUID) {
	uploadID, ok := parseUploadID(w, r)
	if !ok {
		return
	}

	chunkIdxStr := r.Header.Get("X-Chunk-Index")
	if chunkIdxStr == "" {
		writeError(w, http.StatusBadRequest, "missing X-Chunk-Index header")
		return
	}
	chunkIdx, err := strconv.Atoi(chunkIdxStr)
	if err != nil || chunkIdx < 0 {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	checksum := r.Header.Get("X-Chunk-Checksum")
	result, err := h.svc.HandleChunk(r.Context(), user, uploadID, chunkIdx, r.Body, checksum)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request, user uuid.UUID) {
	uploadID, ok := parseUploadID(w, r)
	if !ok {
		return
	}
	result, err := h.svc.Finalize(r.Context(), user, uploadID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request, user uuid.UUID) {
	uploadID, ok := parseUploadID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Abort(r.Context(), user, uploadID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, user uuid.UUID) {
	uploadID, ok := parseUploadID(w, r)
	if !ok {
		return
	}
	status, err := h.svc.GetStatus(r.Context(), user, uploadID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// writeServiceError maps service error kinds onto HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, store.ErrUploadNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrChunkOutOfOrder), errors.Is(err, upload.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, upload.ErrUploadExpired):
		status = http.StatusGone
	case errors.Is(err, upload.ErrValidation),
		errors.Is(err, upload.ErrChecksumMismatch),
		errors.Is(err, upload.ErrChunkSizeMismatch):
		status = http.StatusBadRequest
	default:
		h.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

type authedHandler func(http.ResponseWriter, *http.Request, uuid.UUID)

// withAuth verifies the shared service credential and the owner id forwarded
// by the fronting proxy. End-user tokens are validated upstream.
func (h *Handler) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" || apiKey != h.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		userIDHeader := r.Header.Get("X-User-Id")
		if userIDHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing user id")
			return
		}
		userID, err := uuid.Parse(userIDHeader)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid user id")
			return
		}
		next(w, r, userID)
	}
}

func parseUploadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	uploadID, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload id")
		return uuid.Nil, false
	}
	return uploadID, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
