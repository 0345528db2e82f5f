// Package storetest provides an in-memory store with the same uniqueness
// rules as the Postgres schema, for service tests.
package storetest

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"clinicflow/api/internal/store"
)

type Memory struct {
	mu sync.Mutex

	proposals   map[string]store.Proposal
	submissions []store.Submission
	clients     map[string]store.Client
	templates   map[string]store.ContractTemplate
	signatures  map[string]store.SignatureDocument
	payments    map[string]store.PaymentRecord
	clinics     map[string]store.Clinic
	users       map[string]store.User
	members     map[[2]string]store.ClinicUser
	clinicPkgs  map[[2]string]struct{}
	packages    map[string]store.Package
	entitlement map[[3]string]store.Entitlement
	receipts    []store.WebhookReceipt
	burned      map[string]time.Time

	PingErr error
}

func New() *Memory {
	return &Memory{
		proposals:   map[string]store.Proposal{},
		clients:     map[string]store.Client{},
		templates:   map[string]store.ContractTemplate{},
		signatures:  map[string]store.SignatureDocument{},
		payments:    map[string]store.PaymentRecord{},
		clinics:     map[string]store.Clinic{},
		users:       map[string]store.User{},
		members:     map[[2]string]store.ClinicUser{},
		clinicPkgs:  map[[2]string]struct{}{},
		packages:    map[string]store.Package{},
		entitlement: map[[3]string]store.Entitlement{},
		burned:      map[string]time.Time{},
	}
}

// Seeding helpers.

func (m *Memory) PutProposal(p store.Proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = "pending"
	}
	if p.Installments == 0 {
		p.Installments = 1
	}
	m.proposals[p.ID] = p
}

func (m *Memory) PutTemplate(t store.ContractTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

func (m *Memory) PutPackage(p store.Package) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packages[p.ID] = p
}

// Inspection helpers.

func (m *Memory) Proposal(id string) store.Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proposals[id]
}

func (m *Memory) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		Submissions:  len(m.submissions),
		Clients:      len(m.clients),
		Signatures:   len(m.signatures),
		Payments:     len(m.payments),
		Clinics:      len(m.clinics),
		Users:        len(m.users),
		Memberships:  len(m.members),
		ClinicPkgs:   len(m.clinicPkgs),
		Entitlements: len(m.entitlement),
		Receipts:     len(m.receipts),
	}
}

type Counts struct {
	Submissions  int
	Clients      int
	Signatures   int
	Payments     int
	Clinics      int
	Users        int
	Memberships  int
	ClinicPkgs   int
	Entitlements int
	Receipts     int
}

func (m *Memory) Receipts() []store.WebhookReceipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.WebhookReceipt(nil), m.receipts...)
}

func (m *Memory) Ping(context.Context) error { return m.PingErr }

func (m *Memory) GetProposalByToken(_ context.Context, token string) (store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.proposals {
		if p.PublicToken == token {
			return p, nil
		}
	}
	return store.Proposal{}, sql.ErrNoRows
}

func (m *Memory) GetProposal(_ context.Context, id string) (store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return store.Proposal{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *Memory) ProposalStatus(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return "", sql.ErrNoRows
	}
	return p.Status, nil
}

func (m *Memory) CompareAndSwapProposalStatus(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	m.proposals[id] = p
	return true, nil
}

func (m *Memory) LinkProposalClient(_ context.Context, proposalID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[proposalID]
	if !ok {
		return sql.ErrNoRows
	}
	p.ClientID = &clientID
	m.proposals[proposalID] = p
	return nil
}

func (m *Memory) UpsertClient(_ context.Context, c store.Client) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.clients {
		if existing.CNPJ == c.CNPJ {
			c.ID = id
			m.clients[id] = c
			return id, nil
		}
	}
	m.clients[c.ID] = c
	return c.ID, nil
}

func (m *Memory) InsertSubmission(_ context.Context, sub store.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions = append(m.submissions, sub)
	return nil
}

func (m *Memory) LatestSubmission(_ context.Context, proposalID string) (store.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []store.Submission
	for _, s := range m.submissions {
		if s.ProposalID == proposalID {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return store.Submission{}, sql.ErrNoRows
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].SubmittedAt.After(matches[j].SubmittedAt) })
	return matches[0], nil
}

func (m *Memory) GetContractTemplate(_ context.Context, id string) (store.ContractTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return store.ContractTemplate{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *Memory) SignatureDocumentForProposal(_ context.Context, proposalID string) (store.SignatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.signatures {
		if d.ProposalID == proposalID {
			return d, nil
		}
	}
	return store.SignatureDocument{}, sql.ErrNoRows
}

func (m *Memory) GetSignatureDocument(_ context.Context, docID string) (store.SignatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.signatures[docID]
	if !ok {
		return store.SignatureDocument{}, sql.ErrNoRows
	}
	return d, nil
}

func (m *Memory) InsertSignatureDocument(_ context.Context, doc store.SignatureDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signatures[doc.ProviderDocID]; ok {
		return store.ErrDuplicate
	}
	for _, d := range m.signatures {
		if d.ProposalID == doc.ProposalID {
			return store.ErrDuplicate
		}
	}
	now := time.Now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	m.signatures[doc.ProviderDocID] = doc
	return nil
}

func (m *Memory) UpdateSignatureDocumentStatus(_ context.Context, docID, status string, signedAt *time.Time, raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.signatures[docID]
	if !ok {
		return nil
	}
	d.Status = status
	if signedAt != nil {
		d.SignedAt = signedAt
	}
	if len(raw) > 0 {
		d.RawPayload = raw
	}
	d.UpdatedAt = time.Now()
	m.signatures[docID] = d
	return nil
}

func (m *Memory) PaymentRecordForProposal(_ context.Context, proposalID string) (store.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.payments {
		if r.ProposalID == proposalID {
			return r, nil
		}
	}
	return store.PaymentRecord{}, sql.ErrNoRows
}

func (m *Memory) GetPaymentRecord(_ context.Context, id string) (store.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.payments[id]
	if !ok {
		return store.PaymentRecord{}, sql.ErrNoRows
	}
	return r, nil
}

func (m *Memory) InsertPaymentRecord(_ context.Context, rec store.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[rec.ProviderPaymentID]; ok {
		return store.ErrDuplicate
	}
	for _, r := range m.payments {
		if r.ProposalID == rec.ProposalID {
			return store.ErrDuplicate
		}
	}
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.payments[rec.ProviderPaymentID] = rec
	return nil
}

func (m *Memory) UpdatePaymentRecordStatus(_ context.Context, id, status string, paidAt *time.Time, raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.payments[id]
	if !ok {
		return nil
	}
	r.Status = status
	if paidAt != nil {
		r.PaidAt = paidAt
	}
	if len(raw) > 0 {
		r.RawPayload = raw
	}
	r.UpdatedAt = time.Now()
	m.payments[id] = r
	return nil
}

func (m *Memory) FindClinicByTaxID(_ context.Context, taxID string) (store.Clinic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clinics {
		if c.TaxID == taxID {
			return c, nil
		}
	}
	return store.Clinic{}, sql.ErrNoRows
}

func (m *Memory) InsertClinic(_ context.Context, c store.Clinic) (store.Clinic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.clinics {
		if existing.TaxID == c.TaxID {
			return existing, nil
		}
	}
	c.CreatedAt = time.Now()
	m.clinics[c.ID] = c
	return c, nil
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *Memory) GetUser(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *Memory) InsertUser(_ context.Context, u store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return existing, nil
		}
	}
	u.CreatedAt = time.Now()
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) UpsertClinicUser(_ context.Context, cu store.ClinicUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[[2]string{cu.ClinicID, cu.UserID}] = cu
	return nil
}

func (m *Memory) UpsertClinicPackage(_ context.Context, clinicID, packageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clinicPkgs[[2]string{clinicID, packageID}] = struct{}{}
	return nil
}

func (m *Memory) GetPackage(_ context.Context, id string) (store.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[id]
	if !ok {
		return store.Package{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *Memory) FindEntitlement(_ context.Context, tenantID, userID, packageID string) (store.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entitlement[[3]string{tenantID, userID, packageID}]
	if !ok {
		return store.Entitlement{}, sql.ErrNoRows
	}
	return e, nil
}

func (m *Memory) InsertEntitlement(_ context.Context, e store.Entitlement) (store.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [3]string{e.TenantID, e.UserID, e.PackageID}
	if existing, ok := m.entitlement[key]; ok {
		return existing, nil
	}
	e.CreatedAt = time.Now()
	m.entitlement[key] = e
	return e, nil
}

func (m *Memory) InsertWebhookReceipt(_ context.Context, r store.WebhookReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, r)
	return nil
}

func (m *Memory) BurnLoginToken(_ context.Context, jtiHash string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.burned[jtiHash]; used {
		return false, nil
	}
	m.burned[jtiHash] = expiresAt
	return true, nil
}
