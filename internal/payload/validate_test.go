package payload

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBody = `{
  "company": {
    "legal_name": "Clinica Sorriso LTDA",
    "trade_name": "Sorriso",
    "cnpj": "12.345.678/0001-90",
    "email_principal": "Contato@Sorriso.com.br",
    "telefone": "11 99999-0000",
    "address": {
      "logradouro": "Rua A",
      "numero": "10",
      "bairro": "Centro",
      "cidade": "Sao Paulo",
      "uf": "sp",
      "cep": "01001-000"
    }
  },
  "responsible": {
    "name": "Ana Souza",
    "cpf": "123.456.789-09",
    "email": "ana@sorriso.com.br",
    "telefone": "11 98888-0000"
  }
}`

func TestParseValidPayloadNormalizes(t *testing.T) {
	p, err := Parse([]byte(validBody))
	require.NoError(t, err)

	assert.Equal(t, "12345678000190", p.Company.CNPJ)
	assert.Equal(t, "contato@sorriso.com.br", p.Company.EmailPrincipal)
	assert.Equal(t, "SP", p.Company.Address.UF)
	assert.Equal(t, "01001000", p.Company.Address.CEP)
	assert.Equal(t, "12345678909", p.Responsible.CPF)
	assert.Equal(t, "Sorriso", p.Company.DisplayName())
	assert.Equal(t, "contato@sorriso.com.br", p.Company.BillingEmail())
}

func TestParseReportsFieldErrors(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(validBody), &doc))
	company := doc["company"].(map[string]any)
	delete(company, "cnpj")
	company["address"].(map[string]any)["uf"] = "SAO"
	doc["responsible"].(map[string]any)["email"] = "not-an-email"
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = Parse(raw)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)

	fields := map[string]string{}
	for _, f := range verr.Fields {
		fields[f.Field] = f.Message
	}
	assert.Equal(t, "is required", fields["company.cnpj"])
	assert.Contains(t, fields, "company.address.uf")
	assert.Contains(t, fields, "responsible.email")
	assert.Len(t, verr.Fields, 3)
}

func TestParseMissingSections(t *testing.T) {
	_, err := Parse([]byte(`{}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []FieldError{
		{Field: "company", Message: "is required"},
		{Field: "responsible", Message: "is required"},
	}, verr.Fields)
}

func TestParseMalformed(t *testing.T) {
	for _, body := range []string{"", "not json", "  "} {
		_, err := Parse([]byte(body))
		assert.ErrorIs(t, err, ErrMalformed, "body %q", body)
	}
}

func TestParseAllowsEmptyOptionalFinanceEmail(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(validBody), &doc))
	doc["company"].(map[string]any)["email_financeiro"] = ""
	raw, _ := json.Marshal(doc)

	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "contato@sorriso.com.br", p.Company.BillingEmail())
}
