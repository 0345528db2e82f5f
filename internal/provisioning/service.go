// Package provisioning turns a paid proposal into a working tenant: clinic,
// owner principal, membership, package assignment and entitlement.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"clinicflow/api/internal/apperr"
	"clinicflow/api/internal/lifecycle"
	"clinicflow/api/internal/logging"
	"clinicflow/api/internal/observability"
	"clinicflow/api/internal/payload"
	"clinicflow/api/internal/session"
	"clinicflow/api/internal/store"
	"clinicflow/api/internal/util"
	"go.opentelemetry.io/otel/attribute"
)

const (
	CodePayloadNotFound = "payload_not_found"
	CodeNotPaid         = "PROPOSAL_NOT_PAID"
)

type Store interface {
	lifecycle.StatusStore
	GetProposal(ctx context.Context, id string) (store.Proposal, error)
	LatestSubmission(ctx context.Context, proposalID string) (store.Submission, error)
	FindClinicByTaxID(ctx context.Context, taxID string) (store.Clinic, error)
	InsertClinic(ctx context.Context, c store.Clinic) (store.Clinic, error)
	UpsertClinicUser(ctx context.Context, m store.ClinicUser) error
	UpsertClinicPackage(ctx context.Context, clinicID, packageID string) error
	GetPackage(ctx context.Context, id string) (store.Package, error)
	FindEntitlement(ctx context.Context, tenantID, userID, packageID string) (store.Entitlement, error)
	InsertEntitlement(ctx context.Context, e store.Entitlement) (store.Entitlement, error)
}

// Principals resolves or creates the auth principal for an email.
type Principals interface {
	EnsureUser(ctx context.Context, email, displayName string) (store.User, bool, error)
}

type Result struct {
	Already       bool   `json:"already"`
	ClinicID      string `json:"clinic_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	EntitlementID string `json:"entitlement_id,omitempty"`
}

type Service struct {
	store      Store
	principals Principals
	locker     session.Locker
	lockTTL    time.Duration
	lockWait   time.Duration
	logger     *slog.Logger
}

func NewService(st Store, principals Principals, locker session.Locker, lockTTL, lockWait time.Duration, logger *slog.Logger) *Service {
	if locker == nil {
		locker = session.NewLocalLocker()
	}
	return &Service{
		store:      st,
		principals: principals,
		locker:     locker,
		lockTTL:    lockTTL,
		lockWait:   lockWait,
		logger:     logging.OrDiscard(logger).With("component", "provisioning"),
	}
}

// ProvisionForProposal is safe to call any number of times, from the payment
// webhook and the magic-link flow alike. Every step looks up before it
// inserts, and the proposal reaching provisioned marks completion.
func (s *Service) ProvisionForProposal(ctx context.Context, proposalID string) (Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "provisioning.ProvisionForProposal")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", proposalID))

	release, err := s.locker.Lock(ctx, "provision:"+proposalID, s.lockTTL, s.lockWait)
	if err != nil {
		return Result{}, fmt.Errorf("lock provisioning: %w", err)
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		if store.IsNotFound(err) {
			return Result{}, apperr.NotFound("PROPOSAL_NOT_FOUND", "proposal not found")
		}
		return Result{}, fmt.Errorf("load proposal: %w", err)
	}
	status := lifecycle.Status(proposal.Status)
	if status == lifecycle.StatusProvisioned {
		return Result{Already: true}, nil
	}
	if !lifecycle.CanApply(lifecycle.EventProvisioned, status) {
		return Result{}, apperr.New(http.StatusConflict, CodeNotPaid, "proposal is not paid", map[string]string{"status": proposal.Status})
	}

	sub, err := s.store.LatestSubmission(ctx, proposalID)
	if err != nil {
		if store.IsNotFound(err) {
			return Result{}, apperr.New(http.StatusUnprocessableEntity, CodePayloadNotFound, "no submission for proposal", nil)
		}
		return Result{}, fmt.Errorf("load submission: %w", err)
	}
	var data payload.Payload
	if err := json.Unmarshal(sub.Payload, &data); err != nil {
		return Result{}, fmt.Errorf("decode submission %s: %w", sub.ID, err)
	}
	data.Normalize()

	clinic, err := s.ensureClinic(ctx, data.Company)
	if err != nil {
		return Result{}, err
	}

	email, name := ownerContact(data)
	user, created, err := s.principals.EnsureUser(ctx, email, name)
	if err != nil {
		return Result{}, fmt.Errorf("ensure user: %w", err)
	}

	if err := s.store.UpsertClinicUser(ctx, store.ClinicUser{ClinicID: clinic.ID, UserID: user.ID, Role: store.RoleOwner}); err != nil {
		return Result{}, fmt.Errorf("upsert membership: %w", err)
	}

	packageID := ""
	var products []string
	if proposal.PackageID != nil && *proposal.PackageID != "" {
		packageID = *proposal.PackageID
		pkg, err := s.store.GetPackage(ctx, packageID)
		if err != nil {
			return Result{}, fmt.Errorf("load package %s: %w", packageID, err)
		}
		products = pkg.Products
		if err := s.store.UpsertClinicPackage(ctx, clinic.ID, packageID); err != nil {
			return Result{}, fmt.Errorf("assign package: %w", err)
		}
	}

	entitlement, err := s.ensureEntitlement(ctx, clinic.ID, user.ID, packageID, products)
	if err != nil {
		return Result{}, err
	}

	if _, err := lifecycle.Advance(ctx, s.store, proposalID, lifecycle.EventProvisioned); err != nil {
		return Result{}, fmt.Errorf("mark provisioned: %w", err)
	}

	s.logger.InfoContext(ctx, "proposal provisioned",
		"proposal_id", proposalID,
		"clinic_id", clinic.ID,
		"user_id", user.ID,
		"user_created", created,
		"entitlement_id", entitlement.ID,
	)
	return Result{ClinicID: clinic.ID, UserID: user.ID, EntitlementID: entitlement.ID}, nil
}

func (s *Service) ensureClinic(ctx context.Context, company payload.Company) (store.Clinic, error) {
	taxID := util.Digits(company.CNPJ)
	if taxID == "" {
		return store.Clinic{}, errors.New("submission has no company tax id")
	}
	existing, err := s.store.FindClinicByTaxID(ctx, taxID)
	if err == nil {
		return existing, nil
	}
	if !store.IsNotFound(err) {
		return store.Clinic{}, fmt.Errorf("find clinic: %w", err)
	}
	clinic, err := s.store.InsertClinic(ctx, store.Clinic{
		ID:        util.NewID("cln"),
		Name:      company.DisplayName(),
		LegalName: company.LegalName,
		TaxID:     taxID,
		Email:     company.EmailPrincipal,
		Phone:     company.Telefone,
	})
	if err != nil {
		return store.Clinic{}, fmt.Errorf("create clinic: %w", err)
	}
	return clinic, nil
}

func (s *Service) ensureEntitlement(ctx context.Context, clinicID, userID, packageID string, products []string) (store.Entitlement, error) {
	existing, err := s.store.FindEntitlement(ctx, clinicID, userID, packageID)
	if err == nil {
		return existing, nil
	}
	if !store.IsNotFound(err) {
		return store.Entitlement{}, fmt.Errorf("find entitlement: %w", err)
	}
	copied := append([]string(nil), products...)
	entitlement, err := s.store.InsertEntitlement(ctx, store.Entitlement{
		ID:        util.NewID("ent"),
		TenantID:  clinicID,
		UserID:    userID,
		PackageID: packageID,
		Products:  copied,
		Status:    store.EntitlementActive,
	})
	if err != nil {
		return store.Entitlement{}, fmt.Errorf("create entitlement: %w", err)
	}
	return entitlement, nil
}

// ownerContact picks the responsible party, falling back to the company's
// main contact.
func ownerContact(data payload.Payload) (string, string) {
	email := data.Responsible.Email
	if email == "" {
		email = data.Company.EmailPrincipal
	}
	name := data.Responsible.Name
	if name == "" {
		name = data.Company.DisplayName()
	}
	return email, name
}
