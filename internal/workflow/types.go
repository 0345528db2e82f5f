// Package workflow orchestrates proposal onboarding: public submission,
// contract signature, payment and the hand-off to provisioning.
package workflow

import (
	"context"
	"time"

	"clinicflow/api/internal/accounts"
	"clinicflow/api/internal/contract"
	"clinicflow/api/internal/esign"
	"clinicflow/api/internal/lifecycle"
	"clinicflow/api/internal/payload"
	"clinicflow/api/internal/payments"
	"clinicflow/api/internal/provisioning"
	"clinicflow/api/internal/store"
)

// Error codes returned to public callers.
const (
	CodeTokenRequired     = "TOKEN_REQUIRED"
	CodeProposalNotFound  = "PROPOSAL_NOT_FOUND"
	CodeProposalExpired   = "PROPOSAL_EXPIRED"
	CodeProposalClosed    = "PROPOSAL_CLOSED"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeSignaturePending  = "SIGNATURE_PENDING"
	CodePaymentNotPaid    = "PAYMENT_NOT_CONFIRMED"
	CodeSubmissionMissing = "SUBMISSION_NOT_FOUND"
)

type Store interface {
	lifecycle.StatusStore
	GetProposalByToken(ctx context.Context, token string) (store.Proposal, error)
	GetProposal(ctx context.Context, id string) (store.Proposal, error)
	UpsertClient(ctx context.Context, c store.Client) (string, error)
	LinkProposalClient(ctx context.Context, proposalID, clientID string) error
	InsertSubmission(ctx context.Context, sub store.Submission) error
	LatestSubmission(ctx context.Context, proposalID string) (store.Submission, error)
	SignatureDocumentForProposal(ctx context.Context, proposalID string) (store.SignatureDocument, error)
	InsertSignatureDocument(ctx context.Context, doc store.SignatureDocument) error
	PaymentRecordForProposal(ctx context.Context, proposalID string) (store.PaymentRecord, error)
	InsertPaymentRecord(ctx context.Context, rec store.PaymentRecord) error
}

type ContractRenderer interface {
	Render(ctx context.Context, p store.Proposal, data payload.Payload) (contract.Document, error)
}

type SignatureGateway interface {
	CreateDocument(ctx context.Context, req esign.CreateDocumentRequest) (esign.Document, error)
	GetDocument(ctx context.Context, id string) (esign.Document, error)
}

type PaymentGateway interface {
	EnsureCustomer(ctx context.Context, in payments.CustomerInput) (payments.Customer, error)
	CreateCharge(ctx context.Context, in payments.ChargeInput) (payments.Charge, error)
}

type Provisioner interface {
	ProvisionForProposal(ctx context.Context, proposalID string) (provisioning.Result, error)
}

type Accounts interface {
	EnsureUser(ctx context.Context, email, displayName string) (store.User, bool, error)
	IssueMagicLink(ctx context.Context, req accounts.LinkRequest) (accounts.MagicLink, error)
}

// Config is fixed at startup.
type Config struct {
	LockTTL        time.Duration
	LockWait       time.Duration
	PaymentDueDays int
	Splits         []payments.Split
}

type PublicProposal struct {
	ID                string               `json:"id"`
	Title             string               `json:"title"`
	AmountCents       int64                `json:"amount_cents"`
	RequiresSignature bool                 `json:"requires_signature"`
	PaymentMethods    store.PaymentMethods `json:"payment_methods"`
	Installments      int                  `json:"installments"`
	Status            string               `json:"status"`
	ExpiresAt         *time.Time           `json:"expires_at,omitempty"`
}

const (
	NextSignature = "signature"
	NextPayment   = "payment"
)

type SubmitResult struct {
	Next       string `json:"next"`
	SignURL    string `json:"signUrl,omitempty"`
	InvoiceURL string `json:"invoiceUrl,omitempty"`
	ProposalID string `json:"proposalId"`
}

type ProposalStatusView struct {
	ID                string               `json:"id"`
	Status            string               `json:"status"`
	RequiresSignature bool                 `json:"requires_signature"`
	AmountCents       int64                `json:"amount_cents"`
	PaymentMethods    store.PaymentMethods `json:"payment_methods"`
}

type SignatureView struct {
	Status  string `json:"status"`
	SignURL string `json:"signUrl"`
}

type PaymentView struct {
	Status     string     `json:"status"`
	InvoiceURL string     `json:"invoice_url"`
	PaidAt     *time.Time `json:"paid_at"`
}

// StatusView is safe to hand to the public caller: no provider ids beyond
// hosted URLs and no raw payloads.
type StatusView struct {
	Proposal  ProposalStatusView `json:"proposal"`
	Signature *SignatureView     `json:"signature"`
	Payment   *PaymentView       `json:"payment"`
}

type MagicLinkResult struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Emailed   bool      `json:"emailed"`
}

func publicProposal(p store.Proposal) PublicProposal {
	return PublicProposal{
		ID:                p.ID,
		Title:             p.Title,
		AmountCents:       p.AmountCents,
		RequiresSignature: p.RequiresSignature,
		PaymentMethods:    p.PaymentMethods,
		Installments:      p.Installments,
		Status:            p.Status,
		ExpiresAt:         p.ExpiresAt,
	}
}
