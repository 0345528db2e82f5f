// Package contract renders the proposal contract that is sent for signature.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinicflow/api/internal/logging"
	"clinicflow/api/internal/payload"
	"clinicflow/api/internal/store"
)

// TemplateStore resolves a proposal's configured contract template.
type TemplateStore interface {
	GetContractTemplate(ctx context.Context, id string) (store.ContractTemplate, error)
}

// Document is a rendered contract ready for the signature gateway.
type Document struct {
	HTML       string
	PDF        []byte
	Filename   string
	ArchiveKey string
}

type Renderer struct {
	templates TemplateStore
	pdf       PDFConverter
	archive   Archiver
	logger    *slog.Logger
	now       func() time.Time
}

// NewRenderer wires a renderer. archive may be nil.
func NewRenderer(templates TemplateStore, pdf PDFConverter, archive Archiver, logger *slog.Logger) *Renderer {
	return &Renderer{
		templates: templates,
		pdf:       pdf,
		archive:   archive,
		logger:    logging.OrDiscard(logger).With("component", "contract"),
		now:       time.Now,
	}
}

// Render merges the submission into the proposal's template, falling back to
// the built-in contract when the proposal has none or it was removed.
func (r *Renderer) Render(ctx context.Context, p store.Proposal, data payload.Payload) (Document, error) {
	body := ""
	if p.ContractTemplateID != nil && *p.ContractTemplateID != "" {
		tmpl, err := r.templates.GetContractTemplate(ctx, *p.ContractTemplateID)
		switch {
		case err == nil:
			body = tmpl.Body
		case store.IsNotFound(err):
			r.logger.Warn("contract template missing, using built-in", "proposal_id", p.ID, "template_id", *p.ContractTemplateID)
		default:
			return Document{}, fmt.Errorf("load contract template: %w", err)
		}
	}

	now := r.now()
	html, err := RenderHTML(body, TemplateData{
		ProposalID:   p.ID,
		Title:        contractTitle(p),
		AmountCents:  p.AmountCents,
		Installments: p.Installments,
		Methods:      methodLabels(p.PaymentMethods),
		Company:      data.Company,
		Responsible:  data.Responsible,
		GeneratedAt:  now,
	})
	if err != nil {
		return Document{}, err
	}

	pdf, err := r.pdf.HTMLToPDF(ctx, html)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		HTML:     html,
		PDF:      pdf,
		Filename: sanitizeFilename(contractTitle(p)+" "+data.Company.DisplayName()) + ".pdf",
	}
	if r.archive != nil {
		key := fmt.Sprintf("proposals/%s/%s-%s", p.ID, now.UTC().Format("20060102T150405Z"), doc.Filename)
		if err := r.archive.Put(ctx, key, pdf); err != nil {
			// The signature flow does not depend on the archive copy.
			r.logger.Error("contract archive failed", "proposal_id", p.ID, "error", err)
		} else {
			doc.ArchiveKey = key
		}
	}
	return doc, nil
}

func contractTitle(p store.Proposal) string {
	if p.Title != "" {
		return p.Title
	}
	return "Contrato de prestacao de servicos"
}

func methodLabels(m store.PaymentMethods) []string {
	var out []string
	if m.Pix {
		out = append(out, "PIX")
	}
	if m.Boleto {
		out = append(out, "Boleto")
	}
	if m.Card {
		out = append(out, "Cartao de credito")
	}
	return out
}

// IsDependencyMissing reports whether err came from a host without Chromium.
func IsDependencyMissing(err error) bool {
	return errors.Is(err, ErrPDFDependencyMissing)
}
