package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clinicflow/api/internal/accounts"
	"clinicflow/api/internal/apperr"
	"clinicflow/api/internal/esign"
	"clinicflow/api/internal/lifecycle"
	"clinicflow/api/internal/logging"
	"clinicflow/api/internal/observability"
	"clinicflow/api/internal/payload"
	"clinicflow/api/internal/payments"
	"clinicflow/api/internal/session"
	"clinicflow/api/internal/store"
	"clinicflow/api/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Deps struct {
	Store       Store
	Contracts   ContractRenderer
	Signatures  SignatureGateway
	Payments    PaymentGateway
	Provisioner Provisioner
	Accounts    Accounts
	Locker      session.Locker
	Logger      *slog.Logger
}

type Service struct {
	store       Store
	contracts   ContractRenderer
	signatures  SignatureGateway
	payments    PaymentGateway
	provisioner Provisioner
	accounts    Accounts
	locker      session.Locker
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	if cfg.PaymentDueDays <= 0 {
		cfg.PaymentDueDays = 3
	}
	locker := deps.Locker
	if locker == nil {
		locker = session.NewLocalLocker()
	}
	return &Service{
		store:       deps.Store,
		contracts:   deps.Contracts,
		signatures:  deps.Signatures,
		payments:    deps.Payments,
		provisioner: deps.Provisioner,
		accounts:    deps.Accounts,
		locker:      locker,
		cfg:         cfg,
		logger:      logging.OrDiscard(deps.Logger).With("component", "workflow"),
		now:         time.Now,
	}
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, "workflow."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) proposalByToken(ctx context.Context, token string) (store.Proposal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.Proposal{}, apperr.BadRequest(CodeTokenRequired, "proposal token is required", nil)
	}
	p, err := s.store.GetProposalByToken(ctx, token)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Proposal{}, apperr.NotFound(CodeProposalNotFound, "proposal not found")
		}
		return store.Proposal{}, fmt.Errorf("load proposal: %w", err)
	}
	return p, nil
}

// openProposal loads a proposal for the public form. Expiry only gates
// proposals that have not been paid or closed yet.
func (s *Service) openProposal(ctx context.Context, token string) (store.Proposal, error) {
	p, err := s.proposalByToken(ctx, token)
	if err != nil {
		return store.Proposal{}, err
	}
	status := lifecycle.Status(p.Status)
	if status == lifecycle.StatusExpired {
		return store.Proposal{}, apperr.BadRequest(CodeProposalExpired, "proposal has expired", nil)
	}
	if p.ExpiresAt != nil && s.now().After(*p.ExpiresAt) && !status.Closed() {
		if _, err := lifecycle.Advance(ctx, s.store, p.ID, lifecycle.EventExpired); err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
			s.logger.WarnContext(ctx, "mark proposal expired failed", "proposal_id", p.ID, "error", err)
		}
		return store.Proposal{}, apperr.BadRequest(CodeProposalExpired, "proposal has expired", map[string]any{"expires_at": p.ExpiresAt})
	}
	return p, nil
}

// GetProposal returns the public summary behind a token.
func (s *Service) GetProposal(ctx context.Context, token string) (PublicProposal, error) {
	p, err := s.openProposal(ctx, token)
	if err != nil {
		return PublicProposal{}, err
	}
	return publicProposal(p), nil
}

// SubmitProposal records the public form and synchronously starts the next
// external step. Retrying with the same token returns the same signer or
// invoice URL.
func (s *Service) SubmitProposal(ctx context.Context, token string, raw []byte) (result SubmitResult, err error) {
	ctx, span := s.startSpan(ctx, "SubmitProposal")
	defer func() { endSpan(span, err) }()

	p, err := s.openProposal(ctx, token)
	if err != nil {
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("proposal.id", p.ID))

	status := lifecycle.Status(p.Status)
	if !lifecycle.CanApply(lifecycle.EventFormSubmitted, status) {
		return SubmitResult{}, apperr.Conflict(CodeProposalClosed, fmt.Sprintf("proposal is %s and no longer accepts submissions", p.Status))
	}

	data, err := payload.Parse(raw)
	if err != nil {
		var verr *payload.ValidationError
		if errors.As(err, &verr) {
			return SubmitResult{}, apperr.BadRequest(CodeInvalidPayload, "payload failed validation", map[string]any{"fields": verr.Fields})
		}
		if errors.Is(err, payload.ErrMalformed) {
			return SubmitResult{}, apperr.BadRequest(CodeInvalidPayload, "payload must be a JSON object", nil)
		}
		return SubmitResult{}, err
	}

	if err := s.recordSubmission(ctx, p, data); err != nil {
		return SubmitResult{}, err
	}
	if _, err := lifecycle.Advance(ctx, s.store, p.ID, lifecycle.EventFormSubmitted); err != nil {
		return SubmitResult{}, fmt.Errorf("advance form submitted: %w", err)
	}

	if p.RequiresSignature {
		doc, err := s.EnsureSignature(ctx, p, data)
		if err != nil {
			return SubmitResult{}, err
		}
		if doc.Status != store.SignatureSigned {
			return SubmitResult{Next: NextSignature, SignURL: doc.SignerURL, ProposalID: p.ID}, nil
		}
	}

	rec, err := s.EnsurePayment(ctx, p, data)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Next: NextPayment, InvoiceURL: rec.InvoiceURL, ProposalID: p.ID}, nil
}

func (s *Service) recordSubmission(ctx context.Context, p store.Proposal, data payload.Payload) error {
	address, err := json.Marshal(data.Company.Address)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}
	clientID, err := s.store.UpsertClient(ctx, store.Client{
		ID:                util.NewID("cli"),
		LegalName:         data.Company.LegalName,
		TradeName:         data.Company.TradeName,
		CNPJ:              data.Company.CNPJ,
		StateRegistration: data.Company.StateRegistration,
		EmailPrincipal:    data.Company.EmailPrincipal,
		EmailFinanceiro:   data.Company.EmailFinanceiro,
		Telefone:          data.Company.Telefone,
		WhatsApp:          data.Company.WhatsApp,
		Address:           address,
		ResponsibleName:   data.Responsible.Name,
		ResponsibleCPF:    data.Responsible.CPF,
		ResponsibleEmail:  data.Responsible.Email,
		ResponsiblePhone:  data.Responsible.Telefone,
	})
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	if err := s.store.LinkProposalClient(ctx, p.ID, clientID); err != nil {
		return fmt.Errorf("link client: %w", err)
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	if err := s.store.InsertSubmission(ctx, store.Submission{
		ID:          util.NewID("sub"),
		ProposalID:  p.ID,
		Payload:     body,
		SubmittedAt: s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// withProposalLock runs fn while holding the per-proposal lock for step.
func (s *Service) withProposalLock(ctx context.Context, proposalID, step string, fn func() error) error {
	release, err := s.locker.Lock(ctx, "proposal:"+proposalID+":"+step, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		return fmt.Errorf("lock %s for %s: %w", step, proposalID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "release lock failed", "proposal_id", proposalID, "step", step, "error", err)
		}
	}()
	return fn()
}

func (s *Service) existingSignature(ctx context.Context, proposalID string) (store.SignatureDocument, bool, error) {
	doc, err := s.store.SignatureDocumentForProposal(ctx, proposalID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.SignatureDocument{}, false, nil
		}
		return store.SignatureDocument{}, false, fmt.Errorf("load signature document: %w", err)
	}
	return doc, true, nil
}

// EnsureSignature returns the proposal's signature document, creating it on
// the provider at most once.
func (s *Service) EnsureSignature(ctx context.Context, p store.Proposal, data payload.Payload) (doc store.SignatureDocument, err error) {
	ctx, span := s.startSpan(ctx, "EnsureSignature")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("proposal.id", p.ID))

	if existing, ok, err := s.existingSignature(ctx, p.ID); err != nil || (ok && existing.SignerURL != "") {
		return existing, err
	}

	err = s.withProposalLock(ctx, p.ID, "signature", func() error {
		existing, ok, err := s.existingSignature(ctx, p.ID)
		if err != nil {
			return err
		}
		if ok {
			doc = existing
			return nil
		}

		rendered, err := s.contracts.Render(ctx, p, data)
		if err != nil {
			return fmt.Errorf("render contract: %w", err)
		}
		created, err := s.signatures.CreateDocument(ctx, esign.CreateDocumentRequest{
			Name:       strings.TrimSuffix(rendered.Filename, ".pdf"),
			PDF:        rendered.PDF,
			ExternalID: p.ID,
			Signer: esign.Signer{
				Name:  data.Responsible.Name,
				Email: data.Responsible.Email,
				Phone: data.Responsible.Telefone,
			},
		})
		if err != nil {
			return fmt.Errorf("create signature document: %w", err)
		}
		if created.SignerURL == "" {
			reread, err := s.signatures.GetDocument(ctx, created.ID)
			if err != nil {
				return fmt.Errorf("read signature document %s: %w", created.ID, err)
			}
			created.SignerURL = reread.SignerURL
		}
		if created.SignerURL == "" {
			return &esign.Error{Status: http.StatusBadGateway, Message: "document " + created.ID + " has no signer url"}
		}

		doc = store.SignatureDocument{
			ProviderDocID: created.ID,
			ProposalID:    p.ID,
			SignerName:    data.Responsible.Name,
			SignerEmail:   data.Responsible.Email,
			SignerURL:     created.SignerURL,
			Status:        store.SignatureSent,
			ArchiveKey:    rendered.ArchiveKey,
			RawPayload:    store.NewRawPayload(store.ProviderSignatures, store.SourceCreate, created.Raw, s.now()),
		}
		if err := s.store.InsertSignatureDocument(ctx, doc); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				s.logger.WarnContext(ctx, "signature document already recorded, provider document orphaned",
					"proposal_id", p.ID, "doc_id", created.ID)
				existing, _, rerr := s.existingSignature(ctx, p.ID)
				if rerr != nil {
					return rerr
				}
				doc = existing
				return nil
			}
			return fmt.Errorf("insert signature document: %w", err)
		}
		s.logger.InfoContext(ctx, "signature document created", "proposal_id", p.ID, "doc_id", doc.ProviderDocID)
		return nil
	})
	if err != nil {
		return store.SignatureDocument{}, err
	}

	if doc.Status == store.SignatureSent || doc.Status == store.SignatureCreated {
		s.advanceQuietly(ctx, p.ID, lifecycle.EventSignatureSent)
	}
	return doc, nil
}

func (s *Service) existingPayment(ctx context.Context, proposalID string) (store.PaymentRecord, bool, error) {
	rec, err := s.store.PaymentRecordForProposal(ctx, proposalID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.PaymentRecord{}, false, nil
		}
		return store.PaymentRecord{}, false, fmt.Errorf("load payment record: %w", err)
	}
	return rec, true, nil
}

// EnsurePayment returns the proposal's payment record, creating the charge on
// the provider at most once.
func (s *Service) EnsurePayment(ctx context.Context, p store.Proposal, data payload.Payload) (rec store.PaymentRecord, err error) {
	ctx, span := s.startSpan(ctx, "EnsurePayment")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("proposal.id", p.ID))

	if existing, ok, err := s.existingPayment(ctx, p.ID); err != nil || (ok && existing.InvoiceURL != "") {
		return existing, err
	}

	if p.RequiresSignature {
		doc, ok, err := s.existingSignature(ctx, p.ID)
		if err != nil {
			return store.PaymentRecord{}, err
		}
		if !ok || doc.Status != store.SignatureSigned {
			return store.PaymentRecord{}, apperr.Conflict(CodeSignaturePending, "contract must be signed before payment")
		}
	}

	err = s.withProposalLock(ctx, p.ID, "payment", func() error {
		existing, ok, err := s.existingPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if ok {
			rec = existing
			return nil
		}

		company := data.Company
		customer, err := s.payments.EnsureCustomer(ctx, payments.CustomerInput{
			Name:              company.LegalName,
			CPFCNPJ:           company.CNPJ,
			Email:             company.BillingEmail(),
			MobilePhone:       company.Telefone,
			PostalCode:        company.Address.CEP,
			Address:           company.Address.Logradouro,
			AddressNumber:     company.Address.Numero,
			Complement:        company.Address.Complemento,
			Province:          company.Address.Bairro,
			ExternalReference: p.ID,
		})
		if err != nil {
			return fmt.Errorf("ensure customer: %w", err)
		}

		billing := payments.SelectBillingType(payments.Methods{
			Pix:    p.PaymentMethods.Pix,
			Boleto: p.PaymentMethods.Boleto,
			Card:   p.PaymentMethods.Card,
		})
		charge, err := s.payments.CreateCharge(ctx, payments.ChargeInput{
			CustomerID:        customer.ID,
			BillingType:       billing,
			AmountCents:       p.AmountCents,
			DueDate:           s.now().AddDate(0, 0, s.cfg.PaymentDueDays),
			Description:       chargeDescription(p, company),
			ExternalReference: p.ID,
			Splits:            s.cfg.Splits,
			Installments:      p.Installments,
		})
		if err != nil {
			return fmt.Errorf("create charge: %w", err)
		}
		if charge.InvoiceURL == "" {
			return &payments.Error{Status: http.StatusBadGateway, Message: "payment " + charge.ID + " has no invoice url"}
		}

		rec = store.PaymentRecord{
			ProviderPaymentID:  charge.ID,
			ProposalID:         p.ID,
			ProviderCustomerID: customer.ID,
			InvoiceURL:         charge.InvoiceURL,
			BillingType:        string(billing),
			ValueCents:         p.AmountCents,
			Status:             payments.MapStatus(charge.Status),
			RawPayload:         store.NewRawPayload(store.ProviderPayments, store.SourceCreate, charge.Raw, s.now()),
		}
		if err := s.store.InsertPaymentRecord(ctx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				s.logger.WarnContext(ctx, "payment record already recorded, provider charge orphaned",
					"proposal_id", p.ID, "payment_id", charge.ID)
				existing, _, rerr := s.existingPayment(ctx, p.ID)
				if rerr != nil {
					return rerr
				}
				rec = existing
				return nil
			}
			return fmt.Errorf("insert payment record: %w", err)
		}
		s.logger.InfoContext(ctx, "payment created",
			"proposal_id", p.ID, "payment_id", charge.ID, "billing_type", billing, "amount_cents", p.AmountCents)
		return nil
	})
	if err != nil {
		return store.PaymentRecord{}, err
	}

	if rec.Status != store.PaymentPaid {
		s.advanceQuietly(ctx, p.ID, lifecycle.EventPaymentCreated)
	}
	return rec, nil
}

// advanceQuietly applies a follow-up event whose failure must not undo the
// external side effect that already happened.
func (s *Service) advanceQuietly(ctx context.Context, proposalID string, event lifecycle.Event) {
	if _, err := lifecycle.Advance(ctx, s.store, proposalID, event); err != nil {
		level := slog.LevelError
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "proposal status not advanced", "proposal_id", proposalID, "event", event, "error", err)
	}
}

func chargeDescription(p store.Proposal, company payload.Company) string {
	title := p.Title
	if title == "" {
		title = "Proposta " + p.ID
	}
	return title + " - " + company.DisplayName()
}

func (s *Service) latestPayload(ctx context.Context, proposalID string) (payload.Payload, error) {
	sub, err := s.store.LatestSubmission(ctx, proposalID)
	if err != nil {
		if store.IsNotFound(err) {
			return payload.Payload{}, apperr.New(http.StatusConflict, CodeSubmissionMissing, "proposal has no submission", nil)
		}
		return payload.Payload{}, fmt.Errorf("load submission: %w", err)
	}
	var data payload.Payload
	if err := json.Unmarshal(sub.Payload, &data); err != nil {
		return payload.Payload{}, fmt.Errorf("decode submission %s: %w", sub.ID, err)
	}
	data.Normalize()
	return data, nil
}

// GetStatus projects the proposal for polling. When a required signature is
// done but no charge exists yet, the poll creates it; that is how a signed
// proposal moves forward if the signature webhook is late or lost.
func (s *Service) GetStatus(ctx context.Context, token string) (view StatusView, err error) {
	ctx, span := s.startSpan(ctx, "GetStatus")
	defer func() { endSpan(span, err) }()

	p, err := s.proposalByToken(ctx, token)
	if err != nil {
		return StatusView{}, err
	}
	span.SetAttributes(attribute.String("proposal.id", p.ID))

	doc, hasDoc, err := s.existingSignature(ctx, p.ID)
	if err != nil {
		return StatusView{}, err
	}
	rec, hasPayment, err := s.existingPayment(ctx, p.ID)
	if err != nil {
		return StatusView{}, err
	}

	status := lifecycle.Status(p.Status)
	if p.RequiresSignature && hasDoc && doc.Status == store.SignatureSigned && !hasPayment &&
		status != lifecycle.StatusCanceled && status != lifecycle.StatusExpired {
		s.advanceQuietly(ctx, p.ID, lifecycle.EventSigned)
		created, perr := s.paymentAfterSignature(ctx, p)
		if perr != nil {
			s.logger.ErrorContext(ctx, "payment after signature failed", "proposal_id", p.ID, "error", perr)
		} else {
			rec, hasPayment = created, true
		}
		if reread, rerr := s.store.GetProposal(ctx, p.ID); rerr == nil {
			p = reread
		}
	}

	view.Proposal = ProposalStatusView{
		ID:                p.ID,
		Status:            p.Status,
		RequiresSignature: p.RequiresSignature,
		AmountCents:       p.AmountCents,
		PaymentMethods:    p.PaymentMethods,
	}
	if hasDoc {
		view.Signature = &SignatureView{Status: doc.Status, SignURL: doc.SignerURL}
	}
	if hasPayment {
		view.Payment = &PaymentView{Status: rec.Status, InvoiceURL: rec.InvoiceURL, PaidAt: rec.PaidAt}
	}
	return view, nil
}

func (s *Service) paymentAfterSignature(ctx context.Context, p store.Proposal) (store.PaymentRecord, error) {
	data, err := s.latestPayload(ctx, p.ID)
	if err != nil {
		return store.PaymentRecord{}, err
	}
	return s.EnsurePayment(ctx, p, data)
}

// IssueMagicLink provisions a paid proposal and hands back a one-time login
// link for its owner.
func (s *Service) IssueMagicLink(ctx context.Context, token string) (result MagicLinkResult, err error) {
	ctx, span := s.startSpan(ctx, "IssueMagicLink")
	defer func() { endSpan(span, err) }()

	p, err := s.proposalByToken(ctx, token)
	if err != nil {
		return MagicLinkResult{}, err
	}
	span.SetAttributes(attribute.String("proposal.id", p.ID))

	rec, ok, err := s.existingPayment(ctx, p.ID)
	if err != nil {
		return MagicLinkResult{}, err
	}
	if !ok || rec.Status != store.PaymentPaid {
		return MagicLinkResult{}, apperr.Conflict(CodePaymentNotPaid, "payment has not been confirmed yet")
	}
	// The webhook normally did this already; replaying it covers a lost one.
	s.advanceQuietly(ctx, p.ID, lifecycle.EventPaid)

	if _, err := s.provisioner.ProvisionForProposal(ctx, p.ID); err != nil {
		return MagicLinkResult{}, fmt.Errorf("provision: %w", err)
	}

	data, err := s.latestPayload(ctx, p.ID)
	if err != nil {
		return MagicLinkResult{}, err
	}
	email := data.Responsible.Email
	name := data.Responsible.Name
	if email == "" {
		email = data.Company.EmailPrincipal
	}
	user, _, err := s.accounts.EnsureUser(ctx, email, name)
	if err != nil {
		return MagicLinkResult{}, fmt.Errorf("resolve owner: %w", err)
	}
	link, err := s.accounts.IssueMagicLink(ctx, accounts.LinkRequest{
		UserID:     user.ID,
		Email:      user.Email,
		Name:       user.DisplayName,
		ClinicName: data.Company.DisplayName(),
		ProposalID: p.ID,
	})
	if err != nil {
		return MagicLinkResult{}, fmt.Errorf("issue magic link: %w", err)
	}
	return MagicLinkResult{URL: link.URL, ExpiresAt: link.ExpiresAt, Emailed: link.Emailed}, nil
}

// ProposalToken resolves the public token of a proposal id, for operator
// tooling that starts from ids.
func (s *Service) ProposalToken(ctx context.Context, proposalID string) (string, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		if store.IsNotFound(err) {
			return "", apperr.NotFound(CodeProposalNotFound, "proposal not found")
		}
		return "", err
	}
	return p.PublicToken, nil
}
