// Package payload defines the public onboarding form and validates it.
package payload

import (
	"strings"

	"clinicflow/api/internal/util"
)

type Payload struct {
	Company     Company     `json:"company"`
	Responsible Responsible `json:"responsible"`
}

type Company struct {
	LegalName         string  `json:"legal_name"`
	TradeName         string  `json:"trade_name,omitempty"`
	CNPJ              string  `json:"cnpj"`
	StateRegistration string  `json:"state_registration,omitempty"`
	EmailPrincipal    string  `json:"email_principal"`
	EmailFinanceiro   string  `json:"email_financeiro,omitempty"`
	Telefone          string  `json:"telefone"`
	WhatsApp          string  `json:"whatsapp,omitempty"`
	Address           Address `json:"address"`
}

type Address struct {
	Logradouro  string `json:"logradouro"`
	Numero      string `json:"numero"`
	Complemento string `json:"complemento,omitempty"`
	Bairro      string `json:"bairro"`
	Cidade      string `json:"cidade"`
	UF          string `json:"uf"`
	CEP         string `json:"cep"`
}

type Responsible struct {
	Name     string `json:"name"`
	CPF      string `json:"cpf"`
	Email    string `json:"email"`
	Telefone string `json:"telefone"`
}

// DisplayName prefers the trade name.
func (c Company) DisplayName() string {
	if strings.TrimSpace(c.TradeName) != "" {
		return strings.TrimSpace(c.TradeName)
	}
	return strings.TrimSpace(c.LegalName)
}

// BillingEmail is where invoices go.
func (c Company) BillingEmail() string {
	if c.EmailFinanceiro != "" {
		return c.EmailFinanceiro
	}
	return c.EmailPrincipal
}

// Normalize canonicalizes identifiers so lookups by tax id or email are stable
// across resubmissions.
func (p *Payload) Normalize() {
	c := &p.Company
	c.LegalName = strings.TrimSpace(c.LegalName)
	c.TradeName = strings.TrimSpace(c.TradeName)
	c.CNPJ = util.Digits(c.CNPJ)
	c.EmailPrincipal = normalizeEmail(c.EmailPrincipal)
	c.EmailFinanceiro = normalizeEmail(c.EmailFinanceiro)
	c.Telefone = strings.TrimSpace(c.Telefone)
	c.WhatsApp = strings.TrimSpace(c.WhatsApp)
	c.Address.UF = strings.ToUpper(strings.TrimSpace(c.Address.UF))
	c.Address.CEP = util.Digits(c.Address.CEP)

	r := &p.Responsible
	r.Name = strings.TrimSpace(r.Name)
	r.CPF = util.Digits(r.CPF)
	r.Email = normalizeEmail(r.Email)
	r.Telefone = strings.TrimSpace(r.Telefone)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
