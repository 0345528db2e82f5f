package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var proposalRowColumns = []string{
	"id", "public_token", "title", "amount_cents", "requires_signature", "payment_methods",
	"installments", "status", "expires_at", "client_id", "contract_template_id", "package_id", "created_at", "updated_at",
}

func TestGetProposalByToken(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	expires := now.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE public_token=$1")).
		WithArgs("T1").
		WillReturnRows(sqlmock.NewRows(proposalRowColumns).AddRow(
			"prop_1", "T1", "Plano Clinica", int64(50000), false, []byte(`{"pix":true,"boleto":false,"card":true}`),
			3, "pending", expires, nil, "tpl_1", "pkg_1", now, now,
		))

	p, err := s.GetProposalByToken(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "prop_1", p.ID)
	assert.Equal(t, int64(50000), p.AmountCents)
	assert.Equal(t, PaymentMethods{Pix: true, Card: true}, p.PaymentMethods)
	assert.Equal(t, 3, p.Installments)
	require.NotNil(t, p.ExpiresAt)
	assert.Nil(t, p.ClientID)
	require.NotNil(t, p.ContractTemplateID)
	assert.Equal(t, "tpl_1", *p.ContractTemplateID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProposalByTokenNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE public_token=$1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(proposalRowColumns))

	_, err := s.GetProposalByToken(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestCompareAndSwapProposalStatus(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proposals SET status=$3")).
		WithArgs("prop_1", "form_filled", "payment_created").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proposals SET status=$3")).
		WithArgs("prop_1", "form_filled", "payment_created").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.CompareAndSwapProposalStatus(context.Background(), "prop_1", "form_filled", "payment_created")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwapProposalStatus(context.Background(), "prop_1", "form_filled", "payment_created")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPaymentRecordMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "payment_records_proposal_key"})

	err := s.InsertPaymentRecord(context.Background(), PaymentRecord{
		ProviderPaymentID: "pay_1",
		ProposalID:        "prop_1",
		BillingType:       "PIX",
		ValueCents:        15000,
		Status:            PaymentPending,
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestInsertSignatureDocumentWrapsOtherErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO signature_documents")).
		WillReturnError(errors.New("connection reset"))

	err := s.InsertSignatureDocument(context.Background(), SignatureDocument{ProviderDocID: "D1", ProposalID: "prop_1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "insert signature document")
}

func TestUpdatePaymentRecordStatus(t *testing.T) {
	s, mock := newMockStore(t)
	paidAt := time.Now()
	raw := json.RawMessage(`{"provider":"asaas"}`)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payment_records")).
		WithArgs("pay_1", PaymentPaid, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdatePaymentRecordStatus(context.Background(), "pay_1", PaymentPaid, &paidAt, raw))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSubmission(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM proposal_submissions")).
		WithArgs("prop_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "proposal_id", "payload", "submitted_at"}).
			AddRow("sub_2", "prop_1", []byte(`{"company":{}}`), at))

	sub, err := s.LatestSubmission(context.Background(), "prop_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_2", sub.ID)
	assert.JSONEq(t, `{"company":{}}`, string(sub.Payload))
}

func TestInsertEntitlementReturnsStoredRow(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO entitlements")).
		WithArgs("ent_new", "clinic_1", "user_1", "pkg_1", []byte(`["agenda","financeiro"]`), EntitlementActive).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "user_id", "package_id", "products", "status", "created_at"}).
			AddRow("ent_existing", "clinic_1", "user_1", "pkg_1", []byte(`["agenda"]`), EntitlementActive, created))

	e, err := s.InsertEntitlement(context.Background(), Entitlement{
		ID:        "ent_new",
		TenantID:  "clinic_1",
		UserID:    "user_1",
		PackageID: "pkg_1",
		Products:  []string{"agenda", "financeiro"},
		Status:    EntitlementActive,
	})
	require.NoError(t, err)
	assert.Equal(t, "ent_existing", e.ID)
	assert.Equal(t, []string{"agenda"}, e.Products)
}

func TestBurnLoginToken(t *testing.T) {
	s, mock := newMockStore(t)
	exp := time.Now().Add(time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO login_tokens")).
		WithArgs("hash", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO login_tokens")).
		WithArgs("hash", exp).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.BurnLoginToken(context.Background(), "hash", exp)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.BurnLoginToken(context.Background(), "hash", exp)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestGetPackageDecodesProducts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, products FROM packages")).
		WithArgs("pkg_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "products"}).AddRow("pkg_1", "Essencial", []byte(`["agenda","prontuario"]`)))

	pkg, err := s.GetPackage(context.Background(), "pkg_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agenda", "prontuario"}, pkg.Products)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, products FROM packages")).
		WithArgs("pkg_x").
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetPackage(context.Background(), "pkg_x")
	assert.True(t, IsNotFound(err))
}
