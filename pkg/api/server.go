package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/certanchor/pkg/anchor"
	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/certanchor/pkg/certificates"
	"github.com/Mindburn-Labs/certanchor/pkg/ledger"
	"github.com/Mindburn-Labs/certanchor/pkg/store"
	"github.com/Mindburn-Labs/certanchor/pkg/verification"
)

const maxBodyBytes = 64 << 10

// Anchorer is the part of anchor.Coordinator the API serves.
type Anchorer interface {
	Anchor(ctx context.Context, attrs canonicalize.Attributes) (store.Record, error)
	Retry(ctx context.Context, certificateID string) (store.Record, error)
	Advance(ctx context.Context, certificateID string) (store.Record, error)
	Get(ctx context.Context, certificateID string) (store.Record, error)
	List(ctx context.Context, state store.State) ([]store.Record, error)
}

// Verifier is the part of verification.Service the API serves.
type Verifier interface {
	Verify(ctx context.Context, certificateID string) (verification.Result, error)
}

// CertificateWriter records issued certificate attributes. It is optional
// and only used in lite mode, where this service keeps the issuance table.
type CertificateWriter interface {
	Put(ctx context.Context, attrs canonicalize.Attributes) error
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Anchors      Anchorer
	Verifier     Verifier
	Certificates CertificateWriter
	Auth         *Authenticator
	// RateLimiter, if set, limits every route but /health.
	RateLimiter *GlobalRateLimiter
	// Health reports extra component states on /health.
	Health func() map[string]string
	Logger *slog.Logger
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(logger.With("component", "api")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteProblem(w, r, http.StatusNotFound, CodeNotFound, "No such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteProblem(w, r, http.StatusMethodNotAllowed, CodeInvalidRequest, "The HTTP method is not supported for this endpoint")
	})

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.RateLimiter != nil {
			r.Use(s.RateLimiter.Middleware)
		}
		r.Get("/v1/certificates/{id}/verification", s.handleVerify)
		r.Get("/v1/anchors", s.handleList)
		r.Get("/v1/anchors/{id}", s.handleGet)

		r.Group(func(r chi.Router) {
			r.Use(s.Auth.RequireRole(RoleIssuer))
			r.Post("/v1/anchors", s.handleAnchor)
			r.Post("/v1/anchors/{id}/retry", s.handleRetry)
			r.Post("/v1/anchors/{id}/advance", s.handleAdvance)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.Health != nil {
		for k, v := range s.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteProblem(w, r, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "Request body exceeds limit")
		return
	}
	if err := validateBody(anchorRequest, raw); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	var attrs canonicalize.Attributes
	if err := json.Unmarshal(raw, &attrs); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	rec, err := s.Anchors.Anchor(r.Context(), attrs)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if s.Certificates != nil {
		if err := s.Certificates.Put(r.Context(), attrs); err != nil {
			WriteInternal(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Anchors.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state, err := store.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	recs, err := s.Anchors.List(r.Context(), state)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs, "count": len(recs)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Anchors.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Anchors.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.Verifier.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// domainProblems maps sentinel errors onto problem responses, first match wins.
var domainProblems = []struct {
	target error
	status int
	code   string
	detail string
}{
	{store.ErrNotFound, http.StatusNotFound, CodeNotFound, "No anchor record for this certificate"},
	{certificates.ErrNotFound, http.StatusNotFound, CodeNotFound, "Unknown certificate"},
	{anchor.ErrAttributesChanged, http.StatusConflict, CodeAttributesChanged, "Certificate was already anchored with different attributes"},
	{anchor.ErrNotRetryable, http.StatusConflict, CodeNotRetryable, ""},
	{store.ErrConflict, http.StatusConflict, CodeConcurrentUpdate, "Anchor record changed concurrently, retry the request"},
	{anchor.ErrBusy, http.StatusConflict, CodeBusy, "Certificate is being processed, retry the request"},
	{anchor.ErrClosed, http.StatusServiceUnavailable, CodeShuttingDown, "Service is shutting down"},
}

// writeDomainError writes the problem for err. Unrecognised errors are a 500
// with the cause kept out of the body.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *canonicalize.ValidationError
	if errors.As(err, &verr) {
		WriteProblem(w, r, http.StatusUnprocessableEntity, CodeInvalidAttributes, verr.Error())
		return
	}
	for _, p := range domainProblems {
		if errors.Is(err, p.target) {
			detail := p.detail
			if detail == "" {
				detail = err.Error()
			}
			WriteProblem(w, r, p.status, p.code, detail)
			return
		}
	}
	if ledger.KindOf(err) != ledger.KindUnknown {
		WriteProblem(w, r, http.StatusBadGateway, CodeLedgerFailed, "Ledger request failed")
		return
	}
	WriteInternal(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
