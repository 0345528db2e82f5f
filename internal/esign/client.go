// Package esign is the adapter for the ZapSign-compatible e-signature API.
package esign

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clinicflow/api/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrNotConfigured = errors.New("signature gateway not configured")

// Error is the normalized shape of every non-2xx provider response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("signature gateway error (%d): %s", e.Status, e.Message)
}

type Config struct {
	BaseURL string
	Token   string
	Lang    string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	token   string
	lang    string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	lang := cfg.Lang
	if lang == "" {
		lang = "pt-br"
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		lang:    lang,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.token != "" && c.baseURL != ""
}

type Signer struct {
	Name  string
	Email string
	Phone string
}

type CreateDocumentRequest struct {
	Name       string
	PDF        []byte
	ExternalID string
	Signer     Signer
}

// Document is the typed projection of a provider document. Raw keeps the
// response body untouched for forensic replay.
type Document struct {
	ID        string
	Status    string
	SignerURL string
	Raw       json.RawMessage
}

type signerRequest struct {
	Name               string `json:"name"`
	Email              string `json:"email,omitempty"`
	PhoneNumber        string `json:"phone_number,omitempty"`
	AuthMode           string `json:"auth_mode"`
	SendAutomaticEmail bool   `json:"send_automatic_email"`
}

type createRequest struct {
	Name       string          `json:"name"`
	Base64PDF  string          `json:"base64_pdf"`
	Lang       string          `json:"lang"`
	ExternalID string          `json:"external_id,omitempty"`
	Signers    []signerRequest `json:"signers"`
}

type documentResponse struct {
	Token   string `json:"token"`
	ID      any    `json:"id"`
	Status  string `json:"status"`
	Signers []struct {
		SignURL string `json:"sign_url"`
		URL     string `json:"url"`
	} `json:"signers"`
}

func (r documentResponse) normalize(raw []byte) Document {
	doc := Document{ID: r.Token, Status: r.Status, Raw: json.RawMessage(raw)}
	if doc.ID == "" && r.ID != nil {
		doc.ID = strings.TrimSpace(fmt.Sprint(r.ID))
	}
	for _, s := range r.Signers {
		if s.SignURL != "" {
			doc.SignerURL = s.SignURL
			break
		}
		if s.URL != "" {
			doc.SignerURL = s.URL
			break
		}
	}
	return doc
}

// CreateDocument uploads a PDF with exactly one signer.
func (c *Client) CreateDocument(ctx context.Context, req CreateDocumentRequest) (Document, error) {
	if !c.Configured() {
		return Document{}, ErrNotConfigured
	}
	if len(req.PDF) == 0 {
		return Document{}, errors.New("document pdf is empty")
	}
	ctx, span := observability.Tracer().Start(ctx, "esign.CreateDocument")
	defer span.End()
	span.SetAttributes(attribute.String("esign.external_id", req.ExternalID))

	body := createRequest{
		Name:       req.Name,
		Base64PDF:  base64.StdEncoding.EncodeToString(req.PDF),
		Lang:       c.lang,
		ExternalID: req.ExternalID,
		Signers: []signerRequest{{
			Name:               req.Signer.Name,
			Email:              req.Signer.Email,
			PhoneNumber:        req.Signer.Phone,
			AuthMode:           "assinaturaTela",
			SendAutomaticEmail: false,
		}},
	}
	doc, err := c.do(ctx, http.MethodPost, "/api/v1/docs/", body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create document failed")
		return Document{}, err
	}
	if doc.ID == "" {
		return Document{}, &Error{Status: http.StatusBadGateway, Message: "response missing document token"}
	}
	span.SetAttributes(attribute.String("esign.document_id", doc.ID))
	return doc, nil
}

// GetDocument reads a document back, mainly to recover its signer URL.
func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	if !c.Configured() {
		return Document{}, ErrNotConfigured
	}
	ctx, span := observability.Tracer().Start(ctx, "esign.GetDocument")
	defer span.End()
	doc, err := c.do(ctx, http.MethodGet, "/api/v1/docs/"+id+"/", nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get document failed")
		return Document{}, err
	}
	return doc, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (Document, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Document{}, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Document{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Document{}, fmt.Errorf("signature gateway request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Document{}, fmt.Errorf("read signature gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Document{}, &Error{Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	var out documentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Document{}, fmt.Errorf("decode signature gateway response: %w", err)
	}
	return out.normalize(raw), nil
}

func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		for _, m := range []string{body.Detail, body.Message, body.Error} {
			if strings.TrimSpace(m) != "" {
				return m
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) <= 300 {
		return text
	}
	return fallback
}
