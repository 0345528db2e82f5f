package contract

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"clinicflow/api/internal/payload"
)

//go:embed templates/contract.html
var templateFS embed.FS

var funcMap = template.FuncMap{
	"upper":      strings.ToUpper,
	"formatDate": func(t time.Time, layout string) string { return t.Format(layout) },
	"brl":        FormatBRL,
	"cnpj":       formatCNPJ,
	"cpf":        formatCPF,
}

var defaultTemplate = mustDefaultTemplate()

func mustDefaultTemplate() *template.Template {
	body, err := templateFS.ReadFile("templates/contract.html")
	if err != nil {
		return template.Must(template.New("contract").Funcs(funcMap).Parse(fallbackTemplate))
	}
	return template.Must(template.New("contract").Funcs(funcMap).Parse(string(body)))
}

// TemplateData is what every contract template can reference.
type TemplateData struct {
	ProposalID   string
	Title        string
	AmountCents  int64
	Installments int
	Methods      []string
	Company      payload.Company
	Responsible  payload.Responsible
	GeneratedAt  time.Time
}

// RenderHTML merges data into body, or into the built-in contract when body
// is blank.
func RenderHTML(body string, data TemplateData) (string, error) {
	tmpl := defaultTemplate
	if strings.TrimSpace(body) != "" {
		parsed, err := template.New("custom").Funcs(funcMap).Parse(body)
		if err != nil {
			return "", fmt.Errorf("parse contract template: %w", err)
		}
		tmpl = parsed
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute contract template: %w", err)
	}
	return buf.String(), nil
}

// FormatBRL renders minor units as Brazilian currency, 150000 -> R$ 1.500,00.
func FormatBRL(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	whole := strconv.FormatInt(cents/100, 10)
	var grouped strings.Builder
	for i, ch := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(ch)
	}
	return fmt.Sprintf("%sR$ %s,%02d", sign, grouped.String(), cents%100)
}

func formatCNPJ(digits string) string {
	if len(digits) != 14 {
		return digits
	}
	return digits[0:2] + "." + digits[2:5] + "." + digits[5:8] + "/" + digits[8:12] + "-" + digits[12:]
}

func formatCPF(digits string) string {
	if len(digits) != 11 {
		return digits
	}
	return digits[0:3] + "." + digits[3:6] + "." + digits[6:9] + "-" + digits[9:]
}

// fallbackTemplate is used if the embedded contract fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  <p>Contratante: {{.Company.LegalName}} ({{cnpj .Company.CNPJ}})</p>
  <p>Valor: {{brl .AmountCents}}</p>
  <p>Responsavel: {{.Responsible.Name}} ({{cpf .Responsible.CPF}})</p>
</body>
</html>`
