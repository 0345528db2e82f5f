package provisioning

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"clinicflow/api/internal/accounts"
	"clinicflow/api/internal/apperr"
	"clinicflow/api/internal/payload"
	"clinicflow/api/internal/store"
	"clinicflow/api/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submissionPayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(payload.Payload{
		Company: payload.Company{
			LegalName:      "Clinica Sorriso LTDA",
			TradeName:      "Sorriso",
			CNPJ:           "11.222.333/0001-81",
			EmailPrincipal: "contato@sorriso.com.br",
			Telefone:       "11999990000",
		},
		Responsible: payload.Responsible{Name: "Ana Souza", CPF: "12345678909", Email: "Ana@Sorriso.com.br", Telefone: "11988887777"},
	})
	require.NoError(t, err)
	return raw
}

func setup(t *testing.T, status string, withSubmission bool) (*Service, *storetest.Memory) {
	t.Helper()
	mem := storetest.New()
	pkg := "pkg_pro"
	mem.PutPackage(store.Package{ID: pkg, Name: "Pro", Products: []string{"agenda", "financeiro"}})
	mem.PutProposal(store.Proposal{ID: "prop_1", PublicToken: "tok", Status: status, PackageID: &pkg})
	if withSubmission {
		require.NoError(t, mem.InsertSubmission(context.Background(), store.Submission{
			ID: "sub_1", ProposalID: "prop_1", Payload: submissionPayload(t), SubmittedAt: time.Now(),
		}))
	}
	principals := accounts.NewService(mem, mem, nil, accounts.Config{Secret: []byte("s")}, nil)
	return NewService(mem, principals, nil, time.Minute, time.Second, nil), mem
}

func TestProvisionCreatesTenantOnce(t *testing.T) {
	svc, mem := setup(t, "paid", true)
	ctx := context.Background()

	first, err := svc.ProvisionForProposal(ctx, "prop_1")
	require.NoError(t, err)
	assert.False(t, first.Already)
	assert.NotEmpty(t, first.ClinicID)
	assert.NotEmpty(t, first.UserID)
	assert.NotEmpty(t, first.EntitlementID)
	assert.Equal(t, "provisioned", mem.Proposal("prop_1").Status)

	second, err := svc.ProvisionForProposal(ctx, "prop_1")
	require.NoError(t, err)
	assert.True(t, second.Already)

	counts := mem.Counts()
	assert.Equal(t, 1, counts.Clinics)
	assert.Equal(t, 1, counts.Users)
	assert.Equal(t, 1, counts.Memberships)
	assert.Equal(t, 1, counts.ClinicPkgs)
	assert.Equal(t, 1, counts.Entitlements)

	clinic, err := mem.FindClinicByTaxID(ctx, "11222333000181")
	require.NoError(t, err)
	assert.Equal(t, "Sorriso", clinic.Name)

	ent, err := mem.FindEntitlement(ctx, first.ClinicID, first.UserID, "pkg_pro")
	require.NoError(t, err)
	assert.Equal(t, []string{"agenda", "financeiro"}, ent.Products)
	assert.Equal(t, store.EntitlementActive, ent.Status)

	user, err := mem.FindUserByEmail(ctx, "ana@sorriso.com.br")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, user.ID)
}

func TestProvisionConcurrentCallsConverge(t *testing.T) {
	svc, mem := setup(t, "paid", true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProvisionForProposal(ctx, "prop_1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counts := mem.Counts()
	assert.Equal(t, 1, counts.Clinics)
	assert.Equal(t, 1, counts.Users)
	assert.Equal(t, 1, counts.Entitlements)
}

func TestProvisionReusesExistingClinicAndUser(t *testing.T) {
	svc, mem := setup(t, "paid", true)
	ctx := context.Background()
	existing, err := mem.InsertClinic(ctx, store.Clinic{ID: "cln_old", Name: "Old", TaxID: "11222333000181"})
	require.NoError(t, err)
	user, err := mem.InsertUser(ctx, store.User{ID: "usr_old", Email: "ana@sorriso.com.br"})
	require.NoError(t, err)

	res, err := svc.ProvisionForProposal(ctx, "prop_1")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, res.ClinicID)
	assert.Equal(t, user.ID, res.UserID)
	assert.Equal(t, 1, mem.Counts().Clinics)
}

func TestProvisionWithoutSubmission(t *testing.T) {
	svc, mem := setup(t, "paid", false)
	_, err := svc.ProvisionForProposal(context.Background(), "prop_1")
	assert.True(t, apperr.HasCode(err, CodePayloadNotFound), "got %v", err)
	assert.Equal(t, "paid", mem.Proposal("prop_1").Status)
	assert.Zero(t, mem.Counts().Clinics)
}

func TestProvisionRejectsUnpaidProposal(t *testing.T) {
	svc, mem := setup(t, "payment_created", true)
	_, err := svc.ProvisionForProposal(context.Background(), "prop_1")
	assert.True(t, apperr.HasCode(err, CodeNotPaid), "got %v", err)
	assert.Zero(t, mem.Counts().Clinics)
}

func TestProvisionUnknownProposal(t *testing.T) {
	svc, _ := setup(t, "paid", true)
	_, err := svc.ProvisionForProposal(context.Background(), "prop_missing")
	assert.True(t, apperr.HasCode(err, "PROPOSAL_NOT_FOUND"), "got %v", err)
}

func TestProvisionWithoutPackage(t *testing.T) {
	mem := storetest.New()
	mem.PutProposal(store.Proposal{ID: "prop_2", PublicToken: "tok2", Status: "paid"})
	require.NoError(t, mem.InsertSubmission(context.Background(), store.Submission{ID: "sub_2", ProposalID: "prop_2", Payload: submissionPayload(t), SubmittedAt: time.Now()}))
	principals := accounts.NewService(mem, mem, nil, accounts.Config{Secret: []byte("s")}, nil)
	svc := NewService(mem, principals, nil, time.Minute, time.Second, nil)

	res, err := svc.ProvisionForProposal(context.Background(), "prop_2")
	require.NoError(t, err)
	assert.NotEmpty(t, res.EntitlementID)
	assert.Zero(t, mem.Counts().ClinicPkgs)
}
