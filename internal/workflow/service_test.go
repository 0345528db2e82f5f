package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"clinicflow/api/internal/accounts"
	"clinicflow/api/internal/apperr"
	"clinicflow/api/internal/contract"
	"clinicflow/api/internal/esign"
	"clinicflow/api/internal/payload"
	"clinicflow/api/internal/payments"
	"clinicflow/api/internal/provisioning"
	"clinicflow/api/internal/store"
	"clinicflow/api/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBody = `{
  "company": {
    "legal_name": "Clinica Sorriso LTDA",
    "trade_name": "Sorriso",
    "cnpj": "11.222.333/0001-81",
    "email_principal": "contato@sorriso.com.br",
    "email_financeiro": "financeiro@sorriso.com.br",
    "telefone": "11999990000",
    "address": {
      "logradouro": "Av. Paulista",
      "numero": "1000",
      "bairro": "Bela Vista",
      "cidade": "Sao Paulo",
      "uf": "sp",
      "cep": "01310-100"
    }
  },
  "responsible": {
    "name": "Ana Souza",
    "cpf": "123.456.789-09",
    "email": "ana@sorriso.com.br",
    "telefone": "11988887777"
  }
}`

type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, p store.Proposal, _ payload.Payload) (contract.Document, error) {
	return contract.Document{PDF: []byte("%PDF-1.4"), Filename: "contrato-" + p.ID + ".pdf"}, nil
}

type fakeSigner struct {
	mu       sync.Mutex
	created  []esign.CreateDocumentRequest
	noURL    bool
	fetched  int
	failWith error
}

func (f *fakeSigner) CreateDocument(_ context.Context, req esign.CreateDocumentRequest) (esign.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return esign.Document{}, f.failWith
	}
	f.created = append(f.created, req)
	id := fmt.Sprintf("doc_%d", len(f.created))
	doc := esign.Document{ID: id, Status: "pending", Raw: []byte(`{"token":"` + id + `"}`)}
	if !f.noURL {
		doc.SignerURL = "https://sign.example.com/" + id
	}
	return doc, nil
}

func (f *fakeSigner) GetDocument(_ context.Context, id string) (esign.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	return esign.Document{ID: id, SignerURL: "https://sign.example.com/fetched/" + id}, nil
}

func (f *fakeSigner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakePayments struct {
	mu        sync.Mutex
	customers []payments.CustomerInput
	charges   []payments.ChargeInput
}

func (f *fakePayments) EnsureCustomer(_ context.Context, in payments.CustomerInput) (payments.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers = append(f.customers, in)
	return payments.Customer{ID: "cus_1", Name: in.Name, CPFCNPJ: in.CPFCNPJ}, nil
}

func (f *fakePayments) CreateCharge(_ context.Context, in payments.ChargeInput) (payments.Charge, error) {
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges = append(f.charges, in)
	id := fmt.Sprintf("pay_%d", len(f.charges))
	return payments.Charge{
		ID:          id,
		Status:      "PENDING",
		InvoiceURL:  "https://pay.example.com/i/" + id,
		BillingType: string(in.BillingType),
		Raw:         []byte(`{"id":"` + id + `"}`),
	}, nil
}

func (f *fakePayments) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges)
}

type harness struct {
	svc      *Service
	mem      *storetest.Memory
	signer   *fakeSigner
	payments *fakePayments
}

func newHarness(t *testing.T, p store.Proposal) *harness {
	t.Helper()
	mem := storetest.New()
	if p.ID == "" {
		p.ID = "prop_1"
	}
	if p.PublicToken == "" {
		p.PublicToken = "tok_1"
	}
	mem.PutProposal(p)

	acct := accounts.NewService(mem, mem, nil, accounts.Config{
		AppBaseURL: "https://app.example.com",
		Secret:     []byte("magic-secret"),
	}, nil)
	prov := provisioning.NewService(mem, acct, nil, time.Minute, time.Second, nil)
	h := &harness{mem: mem, signer: &fakeSigner{}, payments: &fakePayments{}}
	h.svc = NewService(Deps{
		Store:       mem,
		Contracts:   fakeRenderer{},
		Signatures:  h.signer,
		Payments:    h.payments,
		Provisioner: prov,
		Accounts:    acct,
	}, Config{PaymentDueDays: 5})
	return h
}

func requireDomainError(t *testing.T, err error, status int, code string) *apperr.DomainError {
	t.Helper()
	var derr *apperr.DomainError
	require.True(t, errors.As(err, &derr), "expected domain error, got %v", err)
	assert.Equal(t, status, derr.Status)
	assert.Equal(t, code, derr.Code)
	return derr
}

func TestSubmitWithoutSignatureCreatesPixPayment(t *testing.T) {
	h := newHarness(t, store.Proposal{
		AmountCents:    50000,
		PaymentMethods: store.PaymentMethods{Pix: true, Boleto: true},
	})
	ctx := context.Background()

	res, err := h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
	require.NoError(t, err)
	assert.Equal(t, NextPayment, res.Next)
	assert.Equal(t, "https://pay.example.com/i/pay_1", res.InvoiceURL)
	assert.Empty(t, res.SignURL)
	assert.Equal(t, "prop_1", res.ProposalID)

	require.Len(t, h.payments.charges, 1)
	charge := h.payments.charges[0]
	assert.Equal(t, payments.BillingPix, charge.BillingType)
	assert.Equal(t, int64(50000), charge.AmountCents)
	assert.Equal(t, "prop_1", charge.ExternalReference)
	assert.Equal(t, "financeiro@sorriso.com.br", h.payments.customers[0].Email)
	assert.Equal(t, "11222333000181", h.payments.customers[0].CPFCNPJ)
	assert.Zero(t, h.signer.count())

	rec, err := h.mem.PaymentRecordForProposal(ctx, "prop_1")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentPending, rec.Status)
	assert.Equal(t, "PIX", rec.BillingType)
	raw, ok := store.DecodeRawPayload(rec.RawPayload)
	require.True(t, ok)
	assert.Equal(t, store.ProviderPayments, raw.Provider)
	assert.Equal(t, store.SourceCreate, raw.Source)

	assert.Equal(t, "payment_created", h.mem.Proposal("prop_1").Status)
}

func TestSubmitTwiceReusesPayment(t *testing.T) {
	h := newHarness(t, store.Proposal{AmountCents: 15000, PaymentMethods: store.PaymentMethods{Boleto: true}})
	ctx := context.Background()

	first, err := h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
	require.NoError(t, err)
	second, err := h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
	require.NoError(t, err)

	assert.Equal(t, first.InvoiceURL, second.InvoiceURL)
	assert.Equal(t, 1, h.payments.count())
	assert.Equal(t, payments.BillingBoleto, h.payments.charges[0].BillingType)
	assert.Equal(t, 2, h.mem.Counts().Submissions)
	assert.Equal(t, 1, h.mem.Counts().Clients)
}

func TestConcurrentSubmitsCreateOnePayment(t *testing.T) {
	h := newHarness(t, store.Proposal{AmountCents: 15000, PaymentMethods: store.PaymentMethods{Pix: true}})
	ctx := context.Background()

	const n = 6
	urls := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
			urls[i], errs[i] = res.InvoiceURL, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, urls[0], urls[i])
	}
	assert.Equal(t, 1, h.payments.count())
	assert.Equal(t, 1, h.mem.Counts().Payments)
}

func TestSubmitWithSignatureReturnsSignerURL(t *testing.T) {
	h := newHarness(t, store.Proposal{
		AmountCents:       15000,
		RequiresSignature: true,
		PaymentMethods:    store.PaymentMethods{Pix: true},
	})
	ctx := context.Background()

	res, err := h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
	require.NoError(t, err)
	assert.Equal(t, NextSignature, res.Next)
	assert.Equal(t, "https://sign.example.com/doc_1", res.SignURL)
	assert.Empty(t, res.InvoiceURL)
	assert.Zero(t, h.payments.count())

	req := h.signer.created[0]
	assert.Equal(t, "prop_1", req.ExternalID)
	assert.Equal(t, "Ana Souza", req.Signer.Name)
	assert.Equal(t, "ana@sorriso.com.br", req.Signer.Email)
	assert.Equal(t, "contrato-prop_1", req.Name)

	again, err := h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
	require.NoError(t, err)
	assert.Equal(t, res.SignURL, again.SignURL)
	assert.Equal(t, 1, h.signer.count())
	assert.Equal(t, "signature_sent", h.mem.Proposal("prop_1").Status)
}

func TestEnsureSignatureFetchesSignerURLWhenMissing(t *testing.T) {
	h := newHarness(t, store.Proposal{RequiresSignature: true, PaymentMethods: store.PaymentMethods{Pix: true}})
	h.signer.noURL = true

	res, err := h.svc.SubmitProposal(context.Background(), "tok_1", []byte(validBody))
	require.NoError(t, err)
	assert.Equal(t, "https://sign.example.com/fetched/doc_1", res.SignURL)
	assert.Equal(t, 1, h.signer.fetched)
}

func TestEnsureSignatureTwiceCreatesOneDocument(t *testing.T) {
	h := newHarness(t, store.Proposal{RequiresSignature: true, PaymentMethods: store.PaymentMethods{Pix: true}})
	ctx := context.Background()
	data, err := payload.Parse([]byte(validBody))
	require.NoError(t, err)
	p := h.mem.Proposal("prop_1")

	first, err := h.svc.EnsureSignature(ctx, p, data)
	require.NoError(t, err)
	second, err := h.svc.EnsureSignature(ctx, p, data)
	require.NoError(t, err)
	assert.Equal(t, first.ProviderDocID, second.ProviderDocID)
	assert.Equal(t, 1, h.signer.count())
}

func TestSignatureGatewayFailureIsReturned(t *testing.T) {
	h := newHarness(t, store.Proposal{RequiresSignature: true, PaymentMethods: store.PaymentMethods{Pix: true}})
	h.signer.failWith = &esign.Error{Status: http.StatusUnauthorized, Message: "bad token"}

	_, err := h.svc.SubmitProposal(context.Background(), "tok_1", []byte(validBody))
	var gwErr *esign.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Zero(t, h.mem.Counts().Signatures)
}

func TestEnsurePaymentRequiresSignedContract(t *testing.T) {
	h := newHarness(t, store.Proposal{RequiresSignature: true, PaymentMethods: store.PaymentMethods{Pix: true}})
	ctx := context.Background()
	data, err := payload.Parse([]byte(validBody))
	require.NoError(t, err)

	_, err = h.svc.EnsurePayment(ctx, h.mem.Proposal("prop_1"), data)
	requireDomainError(t, err, http.StatusConflict, CodeSignaturePending)
	assert.Zero(t, h.payments.count())
}

func TestGetStatusCreatesPaymentOnceSigned(t *testing.T) {
	h := newHarness(t, store.Proposal{
		AmountCents:       15000,
		RequiresSignature: true,
		PaymentMethods:    store.PaymentMethods{Card: true},
		Installments:      3,
	})
	ctx := context.Background()

	_, err := h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
	require.NoError(t, err)

	view, err := h.svc.GetStatus(ctx, "tok_1")
	require.NoError(t, err)
	require.NotNil(t, view.Signature)
	assert.Equal(t, store.SignatureSent, view.Signature.Status)
	assert.Nil(t, view.Payment)
	assert.Zero(t, h.payments.count())

	// Signed on the provider, but the webhook never arrived.
	now := time.Now()
	require.NoError(t, h.mem.UpdateSignatureDocumentStatus(ctx, "doc_1", store.SignatureSigned, &now, nil))

	view, err = h.svc.GetStatus(ctx, "tok_1")
	require.NoError(t, err)
	require.NotNil(t, view.Payment)
	assert.Equal(t, "https://pay.example.com/i/pay_1", view.Payment.InvoiceURL)
	assert.Equal(t, store.PaymentPending, view.Payment.Status)
	assert.Equal(t, "payment_created", view.Proposal.Status)
	assert.Equal(t, payments.BillingCreditCard, h.payments.charges[0].BillingType)
	assert.Equal(t, 3, h.payments.charges[0].Installments)

	again, err := h.svc.GetStatus(ctx, "tok_1")
	require.NoError(t, err)
	assert.Equal(t, view.Payment.InvoiceURL, again.Payment.InvoiceURL)
	assert.Equal(t, 1, h.payments.count())
}

func TestSubmitValidationErrorsListFields(t *testing.T) {
	h := newHarness(t, store.Proposal{PaymentMethods: store.PaymentMethods{Pix: true}})
	body := strings.Replace(validBody, `"cep": "01310-100"`, `"cep": "abc"`, 1)
	body = strings.Replace(body, `"name": "Ana Souza",`, ``, 1)

	_, err := h.svc.SubmitProposal(context.Background(), "tok_1", []byte(body))
	derr := requireDomainError(t, err, http.StatusBadRequest, CodeInvalidPayload)
	details, ok := derr.Details.(map[string]any)
	require.True(t, ok)
	fields, ok := details["fields"].([]payload.FieldError)
	require.True(t, ok)
	var names []string
	for _, f := range fields {
		names = append(names, f.Field)
	}
	assert.Contains(t, names, "company.address.cep")
	assert.Contains(t, names, "responsible.name")
	assert.Zero(t, h.mem.Counts().Submissions)
	assert.Equal(t, "pending", h.mem.Proposal("prop_1").Status)
}

func TestSubmitMalformedBody(t *testing.T) {
	h := newHarness(t, store.Proposal{PaymentMethods: store.PaymentMethods{Pix: true}})
	_, err := h.svc.SubmitProposal(context.Background(), "tok_1", []byte(`[1,2]`))
	var derr *apperr.DomainError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, http.StatusBadRequest, derr.Status)
}

func TestTokenErrors(t *testing.T) {
	h := newHarness(t, store.Proposal{PaymentMethods: store.PaymentMethods{Pix: true}})
	ctx := context.Background()

	_, err := h.svc.GetProposal(ctx, "  ")
	requireDomainError(t, err, http.StatusBadRequest, CodeTokenRequired)

	_, err = h.svc.GetProposal(ctx, "nope")
	requireDomainError(t, err, http.StatusNotFound, CodeProposalNotFound)

	_, err = h.svc.GetStatus(ctx, "nope")
	requireDomainError(t, err, http.StatusNotFound, CodeProposalNotFound)

	got, err := h.svc.GetProposal(ctx, "tok_1")
	require.NoError(t, err)
	assert.Equal(t, "prop_1", got.ID)
	assert.True(t, got.PaymentMethods.Pix)
}

func TestExpiredProposalIsRejected(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	h := newHarness(t, store.Proposal{ExpiresAt: &past, PaymentMethods: store.PaymentMethods{Pix: true}})

	_, err := h.svc.SubmitProposal(context.Background(), "tok_1", []byte(validBody))
	requireDomainError(t, err, http.StatusBadRequest, CodeProposalExpired)
	assert.Equal(t, "expired", h.mem.Proposal("prop_1").Status)
	assert.Zero(t, h.payments.count())

	_, err = h.svc.GetProposal(context.Background(), "tok_1")
	requireDomainError(t, err, http.StatusBadRequest, CodeProposalExpired)
}

func TestClosedProposalRejectsSubmission(t *testing.T) {
	for _, status := range []string{"paid", "provisioned", "canceled"} {
		t.Run(status, func(t *testing.T) {
			h := newHarness(t, store.Proposal{Status: status, PaymentMethods: store.PaymentMethods{Pix: true}})
			_, err := h.svc.SubmitProposal(context.Background(), "tok_1", []byte(validBody))
			requireDomainError(t, err, http.StatusConflict, CodeProposalClosed)
			assert.Zero(t, h.mem.Counts().Submissions)
		})
	}
}

func TestIssueMagicLinkRequiresConfirmedPayment(t *testing.T) {
	h := newHarness(t, store.Proposal{PaymentMethods: store.PaymentMethods{Pix: true}})
	ctx := context.Background()

	_, err := h.svc.IssueMagicLink(ctx, "tok_1")
	requireDomainError(t, err, http.StatusConflict, CodePaymentNotPaid)

	_, err = h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
	require.NoError(t, err)
	_, err = h.svc.IssueMagicLink(ctx, "tok_1")
	requireDomainError(t, err, http.StatusConflict, CodePaymentNotPaid)
}

func TestIssueMagicLinkProvisionsPaidProposal(t *testing.T) {
	h := newHarness(t, store.Proposal{AmountCents: 15000, PaymentMethods: store.PaymentMethods{Pix: true}})
	ctx := context.Background()

	_, err := h.svc.SubmitProposal(ctx, "tok_1", []byte(validBody))
	require.NoError(t, err)
	paidAt := time.Now()
	require.NoError(t, h.mem.UpdatePaymentRecordStatus(ctx, "pay_1", store.PaymentPaid, &paidAt, nil))

	link, err := h.svc.IssueMagicLink(ctx, "tok_1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link.URL, "https://app.example.com/auth/magic?token="))
	assert.False(t, link.Emailed)
	assert.True(t, link.ExpiresAt.After(time.Now()))
	assert.Equal(t, "provisioned", h.mem.Proposal("prop_1").Status)

	_, err = h.svc.IssueMagicLink(ctx, "tok_1")
	require.NoError(t, err)
	counts := h.mem.Counts()
	assert.Equal(t, 1, counts.Clinics)
	assert.Equal(t, 1, counts.Users)
	assert.Equal(t, 1, counts.Entitlements)

	user, err := h.mem.FindUserByEmail(ctx, "ana@sorriso.com.br")
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", user.DisplayName)
}

func TestProposalToken(t *testing.T) {
	h := newHarness(t, store.Proposal{PaymentMethods: store.PaymentMethods{Pix: true}})
	token, err := h.svc.ProposalToken(context.Background(), "prop_1")
	require.NoError(t, err)
	assert.Equal(t, "tok_1", token)

	_, err = h.svc.ProposalToken(context.Background(), "missing")
	requireDomainError(t, err, http.StatusNotFound, CodeProposalNotFound)
}
