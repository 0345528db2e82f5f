package store

import (
	"encoding/json"
	"time"
)

type PaymentMethods struct {
	Pix    bool `json:"pix"`
	Boleto bool `json:"boleto"`
	Card   bool `json:"card"`
}

type Proposal struct {
	ID                 string
	PublicToken        string
	Title              string
	AmountCents        int64
	RequiresSignature  bool
	PaymentMethods     PaymentMethods
	Installments       int
	Status             string
	ExpiresAt          *time.Time
	ClientID           *string
	ContractTemplateID *string
	PackageID          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Submission struct {
	ID          string
	ProposalID  string
	Payload     json.RawMessage
	SubmittedAt time.Time
}

type Client struct {
	ID                string
	LegalName         string
	TradeName         string
	CNPJ              string
	StateRegistration string
	EmailPrincipal    string
	EmailFinanceiro   string
	Telefone          string
	WhatsApp          string
	Address           json.RawMessage
	ResponsibleName   string
	ResponsibleCPF    string
	ResponsibleEmail  string
	ResponsiblePhone  string
	UpdatedAt         time.Time
}

type ContractTemplate struct {
	ID   string
	Name string
	Body string
}

type SignatureDocument struct {
	ProviderDocID string
	ProposalID    string
	SignerName    string
	SignerEmail   string
	SignerURL     string
	Status        string
	SignedAt      *time.Time
	ArchiveKey    string
	RawPayload    json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type PaymentRecord struct {
	ProviderPaymentID  string
	ProposalID         string
	ProviderCustomerID string
	InvoiceURL         string
	BillingType        string
	ValueCents         int64
	Status             string
	PaidAt             *time.Time
	RawPayload         json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Clinic struct {
	ID        string
	Name      string
	LegalName string
	TaxID     string
	Email     string
	Phone     string
	CreatedAt time.Time
}

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type ClinicUser struct {
	ClinicID string
	UserID   string
	Role     string
}

type Package struct {
	ID       string
	Name     string
	Products []string
}

type Entitlement struct {
	ID        string
	TenantID  string
	UserID    string
	PackageID string
	Products  []string
	Status    string
	CreatedAt time.Time
}

type WebhookReceipt struct {
	ID         string
	Provider   string
	BodySHA256 string
	Body       json.RawMessage
	Outcome    string
	ReceivedAt time.Time
}

// Signature document statuses.
const (
	SignatureCreated  = "created"
	SignatureSent     = "sent"
	SignatureSigned   = "signed"
	SignatureRejected = "rejected"
	SignatureCanceled = "canceled"
)

// Payment record statuses.
const (
	PaymentCreated  = "created"
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentOverdue  = "overdue"
	PaymentCanceled = "canceled"
	PaymentRefunded = "refunded"
)

const (
	RoleOwner         = "owner"
	EntitlementActive = "active"
)
