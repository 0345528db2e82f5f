package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"clinicflow/api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCustomerSearchesTaxIDThenEmail(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("access_token"))
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("cpfCnpj") != "":
			_, _ = w.Write([]byte(`{"data":[]}`))
		case r.Method == http.MethodGet && r.URL.Query().Get("email") == "fin@example.com":
			_, _ = w.Write([]byte(`{"data":[{"id":"cus_by_email","email":"fin@example.com"}]}`))
		default:
			atomic.AddInt32(&posts, 1)
			_, _ = w.Write([]byte(`{"id":"cus_new"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "key"})
	cus, err := c.EnsureCustomer(context.Background(), CustomerInput{Name: "Clinica", CPFCNPJ: "11222333000181", Email: "fin@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "cus_by_email", cus.ID)
	assert.Zero(t, atomic.LoadInt32(&posts))
}

func TestEnsureCustomerCreatesWhenMissing(t *testing.T) {
	var created CustomerInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		assert.Equal(t, "/v3/customers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		_, _ = w.Write([]byte(`{"id":"cus_new"}`))
	}))
	defer srv.Close()

	cus, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key"}).EnsureCustomer(context.Background(), CustomerInput{Name: "Clinica", CPFCNPJ: "11222333000181"})
	require.NoError(t, err)
	assert.Equal(t, "cus_new", cus.ID)
	assert.Equal(t, "11222333000181", created.CPFCNPJ)
}

func TestCreateChargeConvertsMinorUnits(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/payments", r.URL.Path)
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		require.NoError(t, dec.Decode(&body))
		_, _ = w.Write([]byte(`{"id":"pay_1","status":"PENDING","invoiceUrl":"https://pay/1","billingType":"PIX"}`))
	}))
	defer srv.Close()

	charge, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key"}).CreateCharge(context.Background(), ChargeInput{
		CustomerID:        "cus_1",
		BillingType:       BillingPix,
		AmountCents:       15000,
		DueDate:           time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		ExternalReference: "prop_1",
		Splits:            []Split{{WalletID: "w1", PercentualValue: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pay_1", charge.ID)
	assert.Equal(t, "https://pay/1", charge.InvoiceURL)
	assert.Equal(t, json.Number("150.00"), body["value"])
	assert.Equal(t, "2026-03-04", body["dueDate"])
	assert.Equal(t, "PIX", body["billingType"])
	assert.NotContains(t, body, "installmentCount")
	assert.Len(t, body["split"], 1)
}

func TestCreateChargeInstallmentsOnlyForCard(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":"pay_2","invoiceUrl":"https://pay/2"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key"}).CreateCharge(context.Background(), ChargeInput{
		CustomerID: "cus_1", BillingType: BillingCreditCard, AmountCents: 120000, Installments: 12, DueDate: time.Now(),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 12, body["installmentCount"])
	assert.EqualValues(t, 1200, body["totalValue"])
}

func TestProviderErrorsAreNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"invalid_customer","description":"Cliente inexistente"}]}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key"}).CreateCharge(context.Background(), ChargeInput{CustomerID: "c", AmountCents: 100, DueDate: time.Now()})
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadRequest, gwErr.Status)
	assert.Equal(t, "invalid_customer", gwErr.Code)
	assert.Equal(t, "Cliente inexistente", gwErr.Message)
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused"})
	_, err := c.EnsureCustomer(context.Background(), CustomerInput{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.CreateCharge(context.Background(), ChargeInput{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSelectBillingType(t *testing.T) {
	cases := []struct {
		in   Methods
		want BillingType
	}{
		{Methods{}, BillingPix},
		{Methods{Pix: true, Boleto: true, Card: true}, BillingPix},
		{Methods{Boleto: true, Card: true}, BillingBoleto},
		{Methods{Card: true}, BillingCreditCard},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SelectBillingType(c.in), "%+v", c.in)
	}
}

func TestMajorUnits(t *testing.T) {
	assert.Equal(t, json.Number("150.00"), MajorUnits(15000))
	assert.Equal(t, json.Number("500.00"), MajorUnits(50000))
	assert.Equal(t, json.Number("0.05"), MajorUnits(5))
	assert.Equal(t, json.Number("1234.56"), MajorUnits(123456))
	assert.Equal(t, json.Number("-1.50"), MajorUnits(-150))
}

func TestMapStatus(t *testing.T) {
	cases := map[string]string{
		"PENDING":                store.PaymentPending,
		"RECEIVED":               store.PaymentPaid,
		"CONFIRMED":              store.PaymentPaid,
		"RECEIVED_IN_CASH":       store.PaymentPaid,
		"OVERDUE":                store.PaymentOverdue,
		"REFUNDED":               store.PaymentRefunded,
		"REFUND_REQUESTED":       store.PaymentRefunded,
		"CHARGEBACK_REQUESTED":   store.PaymentRefunded,
		"DELETED":                store.PaymentCanceled,
		"CANCELED":               store.PaymentCanceled,
		"AWAITING_RISK_ANALYSIS": store.PaymentCreated,
		"":                       store.PaymentCreated,
		" received ":             store.PaymentPaid,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), "status %q", in)
	}
}
