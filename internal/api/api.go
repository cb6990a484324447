// Package api is the HTTP surface over the admission service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/textlens/internal/admission"
	"github.com/SirClappington/textlens/internal/domain"
	"github.com/SirClappington/textlens/internal/ratelimit"
)

// Service is the subset of admission.Service the API serves.
type Service interface {
	Submit(ctx context.Context, owner string, p domain.Payload) (*admission.Submission, error)
	GetStatus(ctx context.Context, id, owner string) (*admission.Status, error)
	ListForOwner(ctx context.Context, owner string, page, limit int) (*admission.Page, error)
	DeleteRecord(ctx context.Context, id, owner string) error
	Retry(ctx context.Context, id, owner string) (*admission.Submission, error)
	QueueStats(ctx context.Context) (*admission.QueueStats, error)
	OwnerStats(ctx context.Context, owner string) (*admission.OwnerStats, error)
}

var _ Service = (*admission.Service)(nil)

type Limits struct {
	Analysis *ratelimit.Named
	General  *ratelimit.Named
}

type Server struct {
	svc     Service
	limits  Limits
	log     *zap.Logger
	maxBody int64
}

// NewServer builds the router. maxBody bounds request bodies in bytes.
func NewServer(svc Service, limits Limits, log *zap.Logger, maxBody int64) *Server {
	return &Server{svc: svc, limits: limits, log: log.Named("api"), maxBody: maxBody}
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rtr.Route("/v1", func(v1 chi.Router) {
		v1.Use(requireOwner)

		v1.Group(func(submit chi.Router) {
			submit.Use(s.rateLimit(s.limits.Analysis))
			submit.Post("/analyses", s.submitText)
			submit.Post("/documents", s.submitDocument)
			submit.Post("/analyses/{id}/retry", s.retry)
		})

		v1.Group(func(read chi.Router) {
			read.Use(s.rateLimit(s.limits.General))
			read.Get("/analyses", s.list)
			read.Get("/analyses/{id}", s.status)
			read.Delete("/analyses/{id}", s.delete)
			read.Get("/stats", s.ownerStats)
			read.Get("/queue/stats", s.queueStats)
		})
	})
	return rtr
}

type submitTextRequest struct {
	Text string `json:"text"`
}

type submitDocumentRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type submissionResponse struct {
	ID               string          `json:"id,omitempty"`
	JobID            string          `json:"job_id,omitempty"`
	Status           domain.Status   `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	FromCache        bool            `json:"from_cache"`
	ProcessingTimeMs *int64          `json:"processing_time_ms,omitempty"`
	QueuePosition    int             `json:"queue_position,omitempty"`
	EstimatedSeconds int             `json:"estimated_seconds,omitempty"`
}

func toSubmissionResponse(sub *admission.Submission) submissionResponse {
	out := submissionResponse{
		ID:               sub.RecordID,
		JobID:            sub.QueueJobID,
		Status:           sub.Status,
		Result:           sub.Result,
		FromCache:        sub.FromCache,
		QueuePosition:    sub.QueuePosition,
		EstimatedSeconds: int(sub.ETA / time.Second),
	}
	if sub.Record != nil {
		out.ProcessingTimeMs = sub.Record.ProcessingTimeMs
	}
	return out
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.Wrap(domain.ErrPayloadTooLarge, "request body")
		}
		return domain.Validation("invalid request body: " + err.Error())
	}
	return nil
}

func (s *Server) writeSubmission(w http.ResponseWriter, sub *admission.Submission) {
	code := http.StatusOK
	if sub.Async() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, toSubmissionResponse(sub))
}

func (s *Server) submitText(w http.ResponseWriter, r *http.Request) {
	var req submitTextRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.svc.Submit(r.Context(), ownerFrom(r.Context()), domain.TextJob{Text: req.Text})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSubmission(w, sub)
}

func (s *Server) submitDocument(w http.ResponseWriter, r *http.Request) {
	var req submitDocumentRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc := domain.DocumentJob{Filename: req.Filename, MimeType: req.MimeType, Data: req.Data}
	sub, err := s.svc.Submit(r.Context(), ownerFrom(r.Context()), doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSubmission(w, sub)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.Retry(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSubmission(w, sub)
}

type statusResponse struct {
	*admission.Status
	EstimatedSeconds int `json:"estimated_seconds,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetStatus(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: st, EstimatedSeconds: int(st.ETA / time.Second)})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	page, err := s.svc.ListForOwner(r.Context(), ownerFrom(r.Context()), queryInt(r, "page", 1), queryInt(r, "limit", 10))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRecord(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ownerStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.OwnerStats(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInfrastructure):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= 500 {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
