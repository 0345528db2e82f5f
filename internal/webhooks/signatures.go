package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clinicflow/api/internal/auth"
	"clinicflow/api/internal/lifecycle"
	"clinicflow/api/internal/logging"
	"clinicflow/api/internal/observability"
	"clinicflow/api/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Header names the signature provider has used for its shared secret.
var signatureSecretHeaders = []string{
	"x-webhook-secret",
	"x-zapsign-secret",
	"x-signature-secret",
	"x-webhook-token",
}

// Body shapes that carry the provider document id, in lookup order.
var signatureDocIDPaths = [][]string{
	{"doc_id"},
	{"document_id"},
	{"token"},
	{"doc_token"},
	{"id"},
	{"document", "token"},
	{"data", "token"},
	{"data", "doc_id"},
}

type SignatureStore interface {
	ReceiptStore
	lifecycle.StatusStore
	GetSignatureDocument(ctx context.Context, providerDocID string) (store.SignatureDocument, error)
	UpdateSignatureDocumentStatus(ctx context.Context, providerDocID, status string, signedAt *time.Time, raw json.RawMessage) error
}

type SignatureReconciler struct {
	store  SignatureStore
	secret string
	logger *slog.Logger
	now    func() time.Time
}

// NewSignatureReconciler builds the handler. An empty secret disables the
// authenticity check.
func NewSignatureReconciler(st SignatureStore, secret string, logger *slog.Logger) *SignatureReconciler {
	return &SignatureReconciler{
		store:  st,
		secret: strings.TrimSpace(secret),
		logger: logging.OrDiscard(logger).With("component", "webhooks", "provider", store.ProviderSignatures),
		now:    time.Now,
	}
}

// MapSignatureStatus matches substrings of the lowercased status or event.
func MapSignatureStatus(value string) string {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "signed"):
		return store.SignatureSigned
	case strings.Contains(v, "rejected"), strings.Contains(v, "refused"):
		return store.SignatureRejected
	case strings.Contains(v, "cancel"):
		return store.SignatureCanceled
	case strings.Contains(v, "sent"):
		return store.SignatureSent
	default:
		return store.SignatureCreated
	}
}

var signatureRank = map[string]int{
	store.SignatureCreated:  0,
	store.SignatureSent:     1,
	store.SignatureSigned:   2,
	store.SignatureRejected: 2,
	store.SignatureCanceled: 2,
}

func signatureMoves(from, to string) bool {
	return signatureRank[to] >= signatureRank[from]
}

func (r *SignatureReconciler) presentedSecret(header http.Header, obj map[string]any) string {
	for _, name := range signatureSecretHeaders {
		if v := header.Get(name); v != "" {
			return v
		}
	}
	if authz := header.Get("Authorization"); len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return authz[7:]
	}
	if obj != nil {
		if v := stringField(obj, "secret"); v != "" {
			return v
		}
		return stringField(obj, "webhook_secret")
	}
	return ""
}

func (r *SignatureReconciler) Handle(ctx context.Context, header http.Header, body []byte) Outcome {
	ctx, span := observability.Tracer().Start(ctx, "webhooks.Signature")
	defer span.End()

	now := r.now()
	outcome := r.handle(ctx, header, body, now)
	span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
	recordReceipt(ctx, r.store, r.logger, store.ProviderSignatures, body, outcome, now)
	return outcome
}

func (r *SignatureReconciler) handle(ctx context.Context, header http.Header, body []byte, now time.Time) Outcome {
	obj, ok := decodeObject(body)
	if r.secret != "" && !auth.SharedSecretMatches(r.secret, r.presentedSecret(header, obj)) {
		r.logger.WarnContext(ctx, "signature webhook rejected", "reason", "secret mismatch")
		return OutcomeUnauthorized
	}
	if !ok {
		r.logger.WarnContext(ctx, "signature webhook body is not a JSON object")
		return OutcomeMalformed
	}

	docID := ""
	for _, path := range signatureDocIDPaths {
		if docID = strings.TrimSpace(stringField(obj, path...)); docID != "" {
			break
		}
	}
	if docID == "" {
		r.logger.WarnContext(ctx, "signature webhook without document id")
		return OutcomeMalformed
	}

	raw := ""
	for _, key := range []string{"status", "event", "event_type"} {
		if raw = stringField(obj, key); raw != "" {
			break
		}
	}
	next := MapSignatureStatus(raw)

	doc, err := r.store.GetSignatureDocument(ctx, docID)
	if err != nil {
		if store.IsNotFound(err) {
			r.logger.InfoContext(ctx, "signature webhook for unknown document", "doc_id", docID)
			return OutcomeUnknownResource
		}
		r.logger.ErrorContext(ctx, "load signature document failed", "doc_id", docID, "error", err)
		return OutcomeFailed
	}
	log := r.logger.With("doc_id", docID, "proposal_id", doc.ProposalID)

	if !signatureMoves(doc.Status, next) {
		log.InfoContext(ctx, "stale signature status ignored", "current", doc.Status, "received", next, "provider_status", raw)
		return OutcomeStale
	}

	signedAt := doc.SignedAt
	if next == store.SignatureSigned && signedAt == nil {
		t := now.UTC()
		signedAt = &t
	}
	payload := store.NewRawPayload(store.ProviderSignatures, store.SourceWebhook, body, now)
	if err := r.store.UpdateSignatureDocumentStatus(ctx, docID, next, signedAt, payload); err != nil {
		log.ErrorContext(ctx, "update signature document failed", "error", err)
		return OutcomeFailed
	}

	var event lifecycle.Event
	switch next {
	case store.SignatureSigned:
		event = lifecycle.EventSigned
	case store.SignatureRejected, store.SignatureCanceled:
		event = lifecycle.EventCanceled
	default:
		log.InfoContext(ctx, "signature status updated", "status", next)
		return OutcomeUpdated
	}

	status, err := lifecycle.Advance(ctx, r.store, doc.ProposalID, event)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			log.WarnContext(ctx, "signature event not applicable to proposal", "event", event, "error", err)
			return OutcomeStale
		}
		log.ErrorContext(ctx, "propagate signature status failed", "event", event, "error", err)
		return OutcomeFailed
	}
	log.InfoContext(ctx, "signature status propagated", "status", next, "proposal_status", status)
	return OutcomePropagated
}
