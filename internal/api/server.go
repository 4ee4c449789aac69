// Package api exposes the producer and inspection HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/factory"
	"github.com/SirClappington/subway/internal/message"
	"github.com/SirClappington/subway/internal/storage"
)

const (
	defaultFailureLimit = 25
	maxFailureLimit     = 500
	maxBodyBytes        = 1 << 20
)

// Archive serves job histories; nil when no Postgres archive is configured.
type Archive interface {
	History(ctx context.Context, jobID string) ([]storage.Event, error)
}

type Options struct {
	Archive            Archive
	JWTSigningKey      string
	CORSAllowedOrigins []string
	Logger             *zap.Logger
}

type handler struct {
	f       *factory.Factory
	archive Archive
	logger  *zap.Logger
}

func NewRouter(f *factory.Factory, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{f: f, archive: opts.Archive, logger: logger.With(zap.String("component", "api"))}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(h.logger))
	rtr.Use(middleware.Recoverer)
	if len(opts.CORSAllowedOrigins) > 0 {
		rtr.Use(corsHandler(opts.CORSAllowedOrigins))
	}

	rtr.Get("/health", h.health)

	rtr.Route("/v1", func(r chi.Router) {
		if opts.JWTSigningKey != "" {
			r.Use(RequireAuth(opts.JWTSigningKey))
		}
		r.Post("/jobs", h.enqueue)
		r.Get("/jobs/{id}", h.status)
		r.Get("/jobs/{id}/history", h.history)
		r.Get("/status", h.summary)
		r.Get("/failures", h.failures)
		r.Delete("/queues", h.clear)
	})
	return rtr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "server error")
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.f.Redis().Ping(r.Context()).Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type enqueueReq struct {
	Queue    string       `json:"queue"`
	Class    string       `json:"class"`
	Args     message.Args `json:"args"`
	At       *string      `json:"at"` // RFC3339
	Interval string       `json:"interval"`
	Once     bool         `json:"once"`
}

func (req *enqueueReq) message() (*message.Message, error) {
	m, err := message.New(strings.TrimSpace(req.Queue), strings.TrimSpace(req.Class), req.Args)
	if err != nil {
		return nil, err
	}
	if req.At != nil && strings.TrimSpace(*req.At) != "" {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.At))
		if err != nil {
			return nil, &message.ValidationError{Field: "at", Reason: "must be RFC3339"}
		}
		m.SetAt(&at)
	}
	if err := m.SetInterval(strings.TrimSpace(req.Interval)); err != nil {
		return nil, err
	}
	return m, nil
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	m, err := req.message()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	enqueue := h.f.Enqueue
	if req.Once {
		enqueue = h.f.EnqueueOnce
	}
	id, err := enqueue(r.Context(), m)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if sub, ok := SubjectFromContext(r.Context()); ok {
		h.logger.Info("job submitted", zap.String("job_id", id), zap.String("subject", sub))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "duplicate": id != m.ID})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.f.Status(r.Context(), id)
	if errors.Is(err, factory.ErrStatusNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"status":     rec.Status,
		"updated_at": rec.Time(),
	})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	id := chi.URLParam(r, "id")
	evs, err := h.archive.History(r.Context(), id)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if len(evs) == 0 {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "events": evs})
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.f.Summary(r.Context())
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid %s", name)
	}
	return n, nil
}

func (h *handler) failures(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultFailureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit = min(limit, maxFailureLimit)

	total, err := h.f.FailureCount(r.Context())
	if err != nil {
		h.internal(w, r, err)
		return
	}
	page, err := h.f.Failures(r.Context(), offset, limit)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "failures": page})
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.f.Clear(r.Context()); err != nil {
		h.internal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
