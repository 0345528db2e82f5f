package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const proposalColumns = `id, public_token, title, amount_cents, requires_signature, payment_methods,
	installments, status, expires_at, client_id, contract_template_id, package_id, created_at, updated_at`

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		p         Proposal
		methods   []byte
		expiresAt sql.NullTime
		clientID  sql.NullString
		template  sql.NullString
		packageID sql.NullString
	)
	err := row.Scan(&p.ID, &p.PublicToken, &p.Title, &p.AmountCents, &p.RequiresSignature, &methods,
		&p.Installments, &p.Status, &expiresAt, &clientID, &template, &packageID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Proposal{}, err
	}
	if len(methods) > 0 {
		if err := json.Unmarshal(methods, &p.PaymentMethods); err != nil {
			return Proposal{}, fmt.Errorf("decode payment methods: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	p.ClientID = nullableString(clientID)
	p.ContractTemplateID = nullableString(template)
	p.PackageID = nullableString(packageID)
	return p, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func (s *PostgresStore) GetProposalByToken(ctx context.Context, token string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE public_token=$1`, token)
	return scanProposal(row)
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, id)
	return scanProposal(row)
}

func (s *PostgresStore) ProposalStatus(ctx context.Context, id string) (string, error) {
	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM proposals WHERE id=$1`, id).Scan(&status); err != nil {
		return "", err
	}
	return status, nil
}

func (s *PostgresStore) CompareAndSwapProposalStatus(ctx context.Context, id, from, to string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status=$3, updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("swap proposal status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap proposal status rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) LinkProposalClient(ctx context.Context, proposalID, clientID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proposals SET client_id=$2, updated_at=NOW() WHERE id=$1`, proposalID, clientID)
	if err != nil {
		return fmt.Errorf("link proposal client: %w", err)
	}
	return nil
}

// UpsertClient keys clients by normalized CNPJ and returns the stored id.
func (s *PostgresStore) UpsertClient(ctx context.Context, c Client) (string, error) {
	address := c.Address
	if len(address) == 0 {
		address = json.RawMessage(`{}`)
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO clients (id, legal_name, trade_name, cnpj, state_registration, email_principal, email_financeiro,
			telefone, whatsapp, address, responsible_name, responsible_cpf, responsible_email, responsible_phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (cnpj) DO UPDATE SET
			legal_name=EXCLUDED.legal_name,
			trade_name=EXCLUDED.trade_name,
			state_registration=EXCLUDED.state_registration,
			email_principal=EXCLUDED.email_principal,
			email_financeiro=EXCLUDED.email_financeiro,
			telefone=EXCLUDED.telefone,
			whatsapp=EXCLUDED.whatsapp,
			address=EXCLUDED.address,
			responsible_name=EXCLUDED.responsible_name,
			responsible_cpf=EXCLUDED.responsible_cpf,
			responsible_email=EXCLUDED.responsible_email,
			responsible_phone=EXCLUDED.responsible_phone,
			updated_at=NOW()
		RETURNING id
	`, c.ID, c.LegalName, c.TradeName, c.CNPJ, c.StateRegistration, c.EmailPrincipal, c.EmailFinanceiro,
		c.Telefone, c.WhatsApp, []byte(address), c.ResponsibleName, c.ResponsibleCPF, c.ResponsibleEmail, c.ResponsiblePhone,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert client: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, sub Submission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposal_submissions (id, proposal_id, payload, submitted_at)
		VALUES ($1, $2, $3, $4)
	`, sub.ID, sub.ProposalID, []byte(sub.Payload), sub.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestSubmission(ctx context.Context, proposalID string) (Submission, error) {
	var (
		sub     Submission
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, payload, submitted_at
		FROM proposal_submissions
		WHERE proposal_id=$1
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`, proposalID).Scan(&sub.ID, &sub.ProposalID, &payload, &sub.SubmittedAt)
	if err != nil {
		return Submission{}, err
	}
	sub.Payload = json.RawMessage(payload)
	return sub, nil
}

func (s *PostgresStore) GetContractTemplate(ctx context.Context, id string) (ContractTemplate, error) {
	var tpl ContractTemplate
	err := s.db.QueryRowContext(ctx, `SELECT id, name, body FROM contract_templates WHERE id=$1`, id).
		Scan(&tpl.ID, &tpl.Name, &tpl.Body)
	if err != nil {
		return ContractTemplate{}, err
	}
	return tpl, nil
}

const signatureColumns = `provider_doc_id, proposal_id, signer_name, signer_email, signer_url, status,
	signed_at, archive_key, raw_payload, created_at, updated_at`

func scanSignatureDocument(row rowScanner) (SignatureDocument, error) {
	var (
		doc      SignatureDocument
		signedAt sql.NullTime
		raw      []byte
	)
	err := row.Scan(&doc.ProviderDocID, &doc.ProposalID, &doc.SignerName, &doc.SignerEmail, &doc.SignerURL,
		&doc.Status, &signedAt, &doc.ArchiveKey, &raw, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return SignatureDocument{}, err
	}
	doc.SignedAt = nullableTime(signedAt)
	doc.RawPayload = json.RawMessage(raw)
	return doc, nil
}

func (s *PostgresStore) SignatureDocumentForProposal(ctx context.Context, proposalID string) (SignatureDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signatureColumns+` FROM signature_documents WHERE proposal_id=$1`, proposalID)
	return scanSignatureDocument(row)
}

func (s *PostgresStore) GetSignatureDocument(ctx context.Context, providerDocID string) (SignatureDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signatureColumns+` FROM signature_documents WHERE provider_doc_id=$1`, providerDocID)
	return scanSignatureDocument(row)
}

func (s *PostgresStore) InsertSignatureDocument(ctx context.Context, doc SignatureDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signature_documents (provider_doc_id, proposal_id, signer_name, signer_email, signer_url, status, archive_key, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ProviderDocID, doc.ProposalID, doc.SignerName, doc.SignerEmail, doc.SignerURL, doc.Status, doc.ArchiveKey, nullJSON(doc.RawPayload))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert signature document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSignatureDocumentStatus(ctx context.Context, providerDocID, status string, signedAt *time.Time, raw json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signature_documents
		SET status=$2, signed_at=COALESCE($3, signed_at), raw_payload=COALESCE($4, raw_payload), updated_at=NOW()
		WHERE provider_doc_id=$1
	`, providerDocID, status, signedAt, nullJSON(raw))
	if err != nil {
		return fmt.Errorf("update signature document: %w", err)
	}
	return nil
}

const paymentColumns = `provider_payment_id, proposal_id, provider_customer_id, invoice_url, billing_type,
	value_cents, status, paid_at, raw_payload, created_at, updated_at`

func scanPaymentRecord(row rowScanner) (PaymentRecord, error) {
	var (
		rec    PaymentRecord
		paidAt sql.NullTime
		raw    []byte
	)
	err := row.Scan(&rec.ProviderPaymentID, &rec.ProposalID, &rec.ProviderCustomerID, &rec.InvoiceURL, &rec.BillingType,
		&rec.ValueCents, &rec.Status, &paidAt, &raw, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return PaymentRecord{}, err
	}
	rec.PaidAt = nullableTime(paidAt)
	rec.RawPayload = json.RawMessage(raw)
	return rec, nil
}

func (s *PostgresStore) PaymentRecordForProposal(ctx context.Context, proposalID string) (PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE proposal_id=$1`, proposalID)
	return scanPaymentRecord(row)
}

func (s *PostgresStore) GetPaymentRecord(ctx context.Context, providerPaymentID string) (PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE provider_payment_id=$1`, providerPaymentID)
	return scanPaymentRecord(row)
}

func (s *PostgresStore) InsertPaymentRecord(ctx context.Context, rec PaymentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_records (provider_payment_id, proposal_id, provider_customer_id, invoice_url, billing_type, value_cents, status, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ProviderPaymentID, rec.ProposalID, rec.ProviderCustomerID, rec.InvoiceURL, rec.BillingType, rec.ValueCents, rec.Status, nullJSON(rec.RawPayload))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePaymentRecordStatus(ctx context.Context, providerPaymentID, status string, paidAt *time.Time, raw json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_records
		SET status=$2, paid_at=COALESCE($3, paid_at), raw_payload=COALESCE($4, raw_payload), updated_at=NOW()
		WHERE provider_payment_id=$1
	`, providerPaymentID, status, paidAt, nullJSON(raw))
	if err != nil {
		return fmt.Errorf("update payment record: %w", err)
	}
	return nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *PostgresStore) FindClinicByTaxID(ctx context.Context, taxID string) (Clinic, error) {
	var c Clinic
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, legal_name, tax_id, email, phone, created_at FROM clinics WHERE tax_id=$1
	`, taxID).Scan(&c.ID, &c.Name, &c.LegalName, &c.TaxID, &c.Email, &c.Phone, &c.CreatedAt)
	if err != nil {
		return Clinic{}, err
	}
	return c, nil
}

// InsertClinic returns the existing row when the tax id is already taken.
func (s *PostgresStore) InsertClinic(ctx context.Context, c Clinic) (Clinic, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO clinics (id, name, legal_name, tax_id, email, phone)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tax_id) DO UPDATE SET tax_id=EXCLUDED.tax_id
		RETURNING id, name, legal_name, tax_id, email, phone, created_at
	`, c.ID, c.Name, c.LegalName, c.TaxID, c.Email, c.Phone).Scan(&c.ID, &c.Name, &c.LegalName, &c.TaxID, &c.Email, &c.Phone, &c.CreatedAt)
	if err != nil {
		return Clinic{}, fmt.Errorf("insert clinic: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE id=$1
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// InsertUser returns the existing principal when the email is already taken.
func (s *PostgresStore) InsertUser(ctx context.Context, u User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (LOWER(email)) DO UPDATE SET email=users.email
		RETURNING id, email, display_name, password_hash, created_at
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash).Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UpsertClinicUser(ctx context.Context, m ClinicUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clinic_users (clinic_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (clinic_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, m.ClinicID, m.UserID, m.Role)
	if err != nil {
		return fmt.Errorf("upsert clinic user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertClinicPackage(ctx context.Context, clinicID, packageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clinic_packages (clinic_id, package_id)
		VALUES ($1, $2)
		ON CONFLICT (clinic_id, package_id) DO NOTHING
	`, clinicID, packageID)
	if err != nil {
		return fmt.Errorf("upsert clinic package: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPackage(ctx context.Context, id string) (Package, error) {
	var (
		pkg      Package
		products []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, products FROM packages WHERE id=$1`, id).Scan(&pkg.ID, &pkg.Name, &products)
	if err != nil {
		return Package{}, err
	}
	if err := decodeProducts(products, &pkg.Products); err != nil {
		return Package{}, err
	}
	return pkg, nil
}

func decodeProducts(raw []byte, into *[]string) error {
	if len(raw) == 0 {
		*into = []string{}
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode products: %w", err)
	}
	return nil
}

func encodeProducts(products []string) []byte {
	if products == nil {
		products = []string{}
	}
	encoded, _ := json.Marshal(products)
	return encoded
}

func (s *PostgresStore) FindEntitlement(ctx context.Context, tenantID, userID, packageID string) (Entitlement, error) {
	var (
		e        Entitlement
		products []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, package_id, products, status, created_at
		FROM entitlements WHERE tenant_id=$1 AND user_id=$2 AND package_id=$3
	`, tenantID, userID, packageID).Scan(&e.ID, &e.TenantID, &e.UserID, &e.PackageID, &products, &e.Status, &e.CreatedAt)
	if err != nil {
		return Entitlement{}, err
	}
	if err := decodeProducts(products, &e.Products); err != nil {
		return Entitlement{}, err
	}
	return e, nil
}

// InsertEntitlement returns the existing row for the same scope.
func (s *PostgresStore) InsertEntitlement(ctx context.Context, e Entitlement) (Entitlement, error) {
	var products []byte
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO entitlements (id, tenant_id, user_id, package_id, products, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, user_id, package_id) DO UPDATE SET status=entitlements.status
		RETURNING id, tenant_id, user_id, package_id, products, status, created_at
	`, e.ID, e.TenantID, e.UserID, e.PackageID, encodeProducts(e.Products), e.Status).
		Scan(&e.ID, &e.TenantID, &e.UserID, &e.PackageID, &products, &e.Status, &e.CreatedAt)
	if err != nil {
		return Entitlement{}, fmt.Errorf("insert entitlement: %w", err)
	}
	if err := decodeProducts(products, &e.Products); err != nil {
		return Entitlement{}, err
	}
	return e, nil
}

func (s *PostgresStore) InsertWebhookReceipt(ctx context.Context, r WebhookReceipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_receipts (id, provider, body_sha256, body, outcome)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.Provider, r.BodySHA256, nullJSON(r.Body), r.Outcome)
	if err != nil {
		return fmt.Errorf("insert webhook receipt: %w", err)
	}
	return nil
}

// BurnLoginToken records a one-time token; it reports false when the token
// was already used.
func (s *PostgresStore) BurnLoginToken(ctx context.Context, jtiHash string, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO login_tokens (jti_hash, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti_hash) DO NOTHING
	`, jtiHash, expiresAt)
	if err != nil {
		return false, fmt.Errorf("burn login token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("burn login token rows: %w", err)
	}
	return affected == 1, nil
}

// IsNotFound reports whether err is the driver's no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
