package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clinicflow/api/internal/accounts"
	"clinicflow/api/internal/apperr"
	"clinicflow/api/internal/auth"
	"clinicflow/api/internal/logging"
	"clinicflow/api/internal/provisioning"
	"clinicflow/api/internal/webhooks"
	"clinicflow/api/internal/workflow"
	"github.com/go-chi/chi/v5"
)

// SyncTokenHeader guards the internal endpoints.
const SyncTokenHeader = "x-clinicflow-sync-token"

const maxBodyBytes = 1 << 20

type Workflow interface {
	GetProposal(ctx context.Context, token string) (workflow.PublicProposal, error)
	SubmitProposal(ctx context.Context, token string, raw []byte) (workflow.SubmitResult, error)
	GetStatus(ctx context.Context, token string) (workflow.StatusView, error)
	IssueMagicLink(ctx context.Context, token string) (workflow.MagicLinkResult, error)
}

type MagicLinks interface {
	ConsumeMagicLink(ctx context.Context, token string) (accounts.Session, error)
}

type Provisioner interface {
	ProvisionForProposal(ctx context.Context, proposalID string) (provisioning.Result, error)
}

type WebhookHandler interface {
	Handle(ctx context.Context, header http.Header, body []byte) webhooks.Outcome
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Workflow          Workflow
	MagicLinks        MagicLinks
	Provisioner       Provisioner
	PaymentWebhooks   WebhookHandler
	SignatureWebhooks WebhookHandler
	Checks            map[string]Pinger
	SyncToken         string
	CORSOrigin        string
	RateLimiter       *RateLimiter
	Logger            *slog.Logger
}

type HTTPServer struct {
	deps   Deps
	logger *slog.Logger
}

func NewHTTPServer(deps Deps) *HTTPServer {
	return &HTTPServer{deps: deps, logger: logging.OrDiscard(deps.Logger)}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)

	r.Route("/api/public/proposals/{token}", func(r chi.Router) {
		if s.deps.RateLimiter != nil {
			r.Use(s.deps.RateLimiter.Middleware)
		}
		r.Get("/", s.handleGetProposal)
		r.Post("/submit", s.handleSubmit)
		r.Get("/status", s.handleStatus)
		r.Get("/magic-link", s.handleMagicLink)
	})

	r.Post("/api/auth/magic-link/consume", s.handleConsumeMagicLink)

	r.Post("/api/webhooks/payments", s.webhook("payments", s.deps.PaymentWebhooks))
	r.Post("/api/webhooks/signatures", s.webhook("signatures", s.deps.SignatureWebhooks))

	r.Post("/api/internal/proposals/{id}/provision", s.handleProvision)
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, dep := range s.deps.Checks {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.deps.Workflow.GetProposal(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.deps.Workflow.SubmitProposal(r.Context(), chi.URLParam(r, "token"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Workflow.GetStatus(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.deps.Workflow.IssueMagicLink(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *HTTPServer) handleConsumeMagicLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Token == "" {
		body.Token = bearerToken(r)
	}
	session, err := s.deps.MagicLinks.ConsumeMagicLink(r.Context(), body.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":     session.User.ID,
		"email":      session.User.Email,
		"userName":   session.User.DisplayName,
		"proposalId": session.ProposalID,
		"expiresAt":  session.ExpiresAt,
	})
}

// webhook always acknowledges. The reconciler logs and records what it did;
// a non-200 would only make the provider retry.
func (s *HTTPServer) webhook(name string, handler WebhookHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			s.logger.WarnContext(r.Context(), "webhook body unreadable", "webhook", name, "error", err)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		if handler != nil {
			outcome := handler.Handle(r.Context(), r.Header, body)
			s.logger.InfoContext(r.Context(), "webhook handled",
				"webhook", name, "outcome", outcome, "request_id", requestIDFrom(r.Context()))
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *HTTPServer) handleProvision(w http.ResponseWriter, r *http.Request) {
	if !auth.SharedSecretMatches(s.deps.SyncToken, r.Header.Get(SyncTokenHeader)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	result, err := s.deps.Provisioner.ProvisionForProposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// fail classifies err and writes it. Anything not recognized is logged with
// its detail and answered with a generic 500.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("request body too large or unreadable")
	}
	return body, nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *apperr.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, accounts.ErrLinkUsed) {
		return http.StatusUnauthorized, "LINK_USED", "Link already used", nil
	}
	if errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "LINK_EXPIRED", "Link expired", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Upstream timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
