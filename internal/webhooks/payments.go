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
	"clinicflow/api/internal/payments"
	"clinicflow/api/internal/provisioning"
	"clinicflow/api/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// PaymentTokenHeader carries the shared secret configured on the provider.
const PaymentTokenHeader = "asaas-access-token"

type PaymentStore interface {
	ReceiptStore
	lifecycle.StatusStore
	GetPaymentRecord(ctx context.Context, providerPaymentID string) (store.PaymentRecord, error)
	UpdatePaymentRecordStatus(ctx context.Context, providerPaymentID, status string, paidAt *time.Time, raw json.RawMessage) error
}

type Provisioner interface {
	ProvisionForProposal(ctx context.Context, proposalID string) (provisioning.Result, error)
}

type PaymentReconciler struct {
	store       PaymentStore
	provisioner Provisioner
	token       string
	logger      *slog.Logger
	now         func() time.Time
}

func NewPaymentReconciler(st PaymentStore, provisioner Provisioner, token string, logger *slog.Logger) *PaymentReconciler {
	return &PaymentReconciler{
		store:       st,
		provisioner: provisioner,
		token:       token,
		logger:      logging.OrDiscard(logger).With("component", "webhooks", "provider", store.ProviderPayments),
		now:         time.Now,
	}
}

var paymentRank = map[string]int{
	store.PaymentCreated:  0,
	store.PaymentPending:  1,
	store.PaymentOverdue:  2,
	store.PaymentPaid:     3,
	store.PaymentRefunded: 4,
	store.PaymentCanceled: 4,
}

// paymentMoves reports whether a record may go from one status to another.
// Late deliveries of earlier states are dropped.
func paymentMoves(from, to string) bool {
	return paymentRank[to] >= paymentRank[from]
}

// Handle never returns an error; the outcome is logged and recorded.
func (r *PaymentReconciler) Handle(ctx context.Context, header http.Header, body []byte) Outcome {
	ctx, span := observability.Tracer().Start(ctx, "webhooks.Payment")
	defer span.End()

	now := r.now()
	outcome := r.handle(ctx, header, body, now)
	span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
	recordReceipt(ctx, r.store, r.logger, store.ProviderPayments, body, outcome, now)
	return outcome
}

func (r *PaymentReconciler) handle(ctx context.Context, header http.Header, body []byte, now time.Time) Outcome {
	if strings.TrimSpace(r.token) == "" {
		r.logger.ErrorContext(ctx, "payment webhook token not configured, delivery ignored")
		return OutcomeUnauthorized
	}
	if !auth.SharedSecretMatches(r.token, header.Get(PaymentTokenHeader)) {
		r.logger.WarnContext(ctx, "payment webhook rejected", "reason", "token mismatch")
		return OutcomeUnauthorized
	}

	obj, ok := decodeObject(body)
	if !ok {
		r.logger.WarnContext(ctx, "payment webhook body is not a JSON object")
		return OutcomeMalformed
	}
	paymentID := stringField(obj, "payment", "id")
	providerStatus := stringField(obj, "payment", "status")
	if paymentID == "" {
		paymentID = stringField(obj, "id")
	}
	if providerStatus == "" {
		providerStatus = stringField(obj, "status")
	}
	if paymentID == "" {
		r.logger.WarnContext(ctx, "payment webhook without payment id", "event", stringField(obj, "event"))
		return OutcomeMalformed
	}

	rec, err := r.store.GetPaymentRecord(ctx, paymentID)
	if err != nil {
		if store.IsNotFound(err) {
			r.logger.InfoContext(ctx, "payment webhook for unknown payment", "payment_id", paymentID)
			return OutcomeUnknownResource
		}
		r.logger.ErrorContext(ctx, "load payment record failed", "payment_id", paymentID, "error", err)
		return OutcomeFailed
	}
	log := r.logger.With("payment_id", paymentID, "proposal_id", rec.ProposalID)

	next := payments.MapStatus(providerStatus)
	if !paymentMoves(rec.Status, next) {
		log.InfoContext(ctx, "stale payment status ignored", "current", rec.Status, "received", next, "provider_status", providerStatus)
		return OutcomeStale
	}

	paidAt := rec.PaidAt
	if next == store.PaymentPaid && paidAt == nil {
		paidAt = paymentDate(obj, now)
	}
	raw := store.NewRawPayload(store.ProviderPayments, store.SourceWebhook, body, now)
	if err := r.store.UpdatePaymentRecordStatus(ctx, paymentID, next, paidAt, raw); err != nil {
		log.ErrorContext(ctx, "update payment record failed", "error", err)
		return OutcomeFailed
	}
	if next != store.PaymentPaid {
		log.InfoContext(ctx, "payment status updated", "status", next)
		return OutcomeUpdated
	}

	if _, err := lifecycle.Advance(ctx, r.store, rec.ProposalID, lifecycle.EventPaid); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			log.WarnContext(ctx, "paid event not applicable to proposal", "error", err)
			return OutcomeStale
		}
		log.ErrorContext(ctx, "mark proposal paid failed", "error", err)
		return OutcomeFailed
	}
	res, err := r.provisioner.ProvisionForProposal(ctx, rec.ProposalID)
	if err != nil {
		log.ErrorContext(ctx, "provisioning after payment failed", "error", err)
		return OutcomeFailed
	}
	log.InfoContext(ctx, "payment confirmed", "already_provisioned", res.Already, "clinic_id", res.ClinicID)
	return OutcomeProvisioned
}

// paymentDate prefers the provider's own confirmation date.
func paymentDate(obj map[string]any, now time.Time) *time.Time {
	for _, key := range []string{"confirmedDate", "paymentDate", "clientPaymentDate"} {
		if v := stringField(obj, "payment", key); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				return &t
			}
		}
	}
	t := now.UTC()
	return &t
}
