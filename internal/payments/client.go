// Package payments is the adapter for the Asaas-compatible payment API.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clinicflow/api/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrNotConfigured = errors.New("payment gateway not configured")

// Error is the normalized shape of every non-2xx provider response.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment gateway error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("payment gateway error (%d): %s", e.Status, e.Message)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.apiKey != "" && c.baseURL != ""
}

type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	CPFCNPJ string `json:"cpfCnpj"`
}

type CustomerInput struct {
	Name                 string `json:"name"`
	CPFCNPJ              string `json:"cpfCnpj"`
	Email                string `json:"email,omitempty"`
	MobilePhone          string `json:"mobilePhone,omitempty"`
	PostalCode           string `json:"postalCode,omitempty"`
	Address              string `json:"address,omitempty"`
	AddressNumber        string `json:"addressNumber,omitempty"`
	Complement           string `json:"complement,omitempty"`
	Province             string `json:"province,omitempty"`
	ExternalReference    string `json:"externalReference,omitempty"`
	NotificationDisabled bool   `json:"notificationDisabled,omitempty"`
}

type listResponse struct {
	Data []Customer `json:"data"`
}

// EnsureCustomer searches by tax id, then by email, and creates the customer
// only when neither lookup matches.
func (c *Client) EnsureCustomer(ctx context.Context, in CustomerInput) (Customer, error) {
	if !c.Configured() {
		return Customer{}, ErrNotConfigured
	}
	ctx, span := observability.Tracer().Start(ctx, "payments.EnsureCustomer")
	defer span.End()

	lookups := []url.Values{}
	if in.CPFCNPJ != "" {
		lookups = append(lookups, url.Values{"cpfCnpj": {in.CPFCNPJ}})
	}
	if in.Email != "" {
		lookups = append(lookups, url.Values{"email": {in.Email}})
	}
	for _, q := range lookups {
		var list listResponse
		if _, err := c.do(ctx, http.MethodGet, "/v3/customers?"+q.Encode(), nil, &list); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "customer lookup failed")
			return Customer{}, err
		}
		if len(list.Data) > 0 && list.Data[0].ID != "" {
			span.SetAttributes(attribute.Bool("payments.customer_reused", true))
			return list.Data[0], nil
		}
	}

	var created Customer
	if _, err := c.do(ctx, http.MethodPost, "/v3/customers", in, &created); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "customer create failed")
		return Customer{}, err
	}
	if created.ID == "" {
		return Customer{}, &Error{Status: http.StatusBadGateway, Message: "response missing customer id"}
	}
	return created, nil
}

type Split struct {
	WalletID        string  `json:"walletId"`
	PercentualValue float64 `json:"percentualValue"`
}

type ChargeInput struct {
	CustomerID        string
	BillingType       BillingType
	AmountCents       int64
	DueDate           time.Time
	Description       string
	ExternalReference string
	Splits            []Split
	Installments      int
}

// Charge is the typed projection of a provider payment. Raw keeps the
// response body untouched for forensic replay.
type Charge struct {
	ID          string
	Status      string
	InvoiceURL  string
	BillingType string
	Raw         json.RawMessage
}

type chargeRequest struct {
	Customer          string      `json:"customer"`
	BillingType       string      `json:"billingType"`
	Value             json.Number `json:"value"`
	DueDate           string      `json:"dueDate"`
	Description       string      `json:"description,omitempty"`
	ExternalReference string      `json:"externalReference,omitempty"`
	Split             []Split     `json:"split,omitempty"`
	InstallmentCount  int         `json:"installmentCount,omitempty"`
	TotalValue        json.Number `json:"totalValue,omitempty"`
}

type chargeResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	InvoiceURL  string `json:"invoiceUrl"`
	BillingType string `json:"billingType"`
}

// CreateCharge bills the full amount. Credit card charges with more than one
// installment are sent as an installment plan over the same total.
func (c *Client) CreateCharge(ctx context.Context, in ChargeInput) (Charge, error) {
	if !c.Configured() {
		return Charge{}, ErrNotConfigured
	}
	if in.CustomerID == "" {
		return Charge{}, errors.New("charge requires a customer id")
	}
	if in.AmountCents <= 0 {
		return Charge{}, fmt.Errorf("charge amount must be positive, got %d", in.AmountCents)
	}
	ctx, span := observability.Tracer().Start(ctx, "payments.CreateCharge")
	defer span.End()
	span.SetAttributes(
		attribute.String("payments.billing_type", string(in.BillingType)),
		attribute.Int64("payments.amount_cents", in.AmountCents),
		attribute.String("payments.external_reference", in.ExternalReference),
	)

	req := chargeRequest{
		Customer:          in.CustomerID,
		BillingType:       string(in.BillingType),
		Value:             MajorUnits(in.AmountCents),
		DueDate:           in.DueDate.Format("2006-01-02"),
		Description:       in.Description,
		ExternalReference: in.ExternalReference,
		Split:             in.Splits,
	}
	if in.BillingType == BillingCreditCard && in.Installments > 1 {
		req.InstallmentCount = in.Installments
		req.TotalValue = req.Value
	}

	var out chargeResponse
	raw, err := c.do(ctx, http.MethodPost, "/v3/payments", req, &out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create charge failed")
		return Charge{}, err
	}
	if out.ID == "" {
		return Charge{}, &Error{Status: http.StatusBadGateway, Message: "response missing payment id"}
	}
	span.SetAttributes(attribute.String("payments.payment_id", out.ID))
	return Charge{ID: out.ID, Status: out.Status, InvoiceURL: out.InvoiceURL, BillingType: out.BillingType, Raw: raw}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) (json.RawMessage, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("access_token", c.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payment gateway request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read payment gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode payment gateway response: %w", err)
		}
	}
	return json.RawMessage(raw), nil
}

func decodeError(status int, raw []byte) *Error {
	var body struct {
		Errors []struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &body) == nil && len(body.Errors) > 0 {
		msgs := make([]string, 0, len(body.Errors))
		for _, e := range body.Errors {
			msgs = append(msgs, e.Description)
		}
		return &Error{Status: status, Code: body.Errors[0].Code, Message: strings.Join(msgs, "; ")}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" || len(msg) > 300 {
		msg = http.StatusText(status)
	}
	return &Error{Status: status, Message: msg}
}
