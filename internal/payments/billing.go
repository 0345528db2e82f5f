package payments

import (
	"encoding/json"
	"fmt"
	"strings"

	"clinicflow/api/internal/store"
)

type BillingType string

const (
	BillingPix        BillingType = "PIX"
	BillingBoleto     BillingType = "BOLETO"
	BillingCreditCard BillingType = "CREDIT_CARD"
)

// Methods is the set of payment methods a proposal accepts.
type Methods struct {
	Pix    bool
	Boleto bool
	Card   bool
}

// SelectBillingType picks PIX, then BOLETO, then CREDIT_CARD. With nothing
// flagged it defaults to PIX.
func SelectBillingType(m Methods) BillingType {
	switch {
	case m.Pix:
		return BillingPix
	case m.Boleto:
		return BillingBoleto
	case m.Card:
		return BillingCreditCard
	default:
		return BillingPix
	}
}

// MajorUnits renders integer minor units as a two-decimal amount, 15000 -> 150.00.
func MajorUnits(cents int64) json.Number {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return json.Number(fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100))
}

// MapStatus translates provider payment vocabulary into record statuses.
// Unknown values fall back to created.
func MapStatus(providerStatus string) string {
	s := strings.ToUpper(strings.TrimSpace(providerStatus))
	switch {
	case s == "PENDING":
		return store.PaymentPending
	case s == "RECEIVED", s == "CONFIRMED", s == "RECEIVED_IN_CASH":
		return store.PaymentPaid
	case s == "OVERDUE":
		return store.PaymentOverdue
	case s == "REFUNDED", s == "REFUND_REQUESTED", strings.HasPrefix(s, "CHARGEBACK_"):
		return store.PaymentRefunded
	case s == "DELETED", s == "CANCELED", s == "CANCELLED":
		return store.PaymentCanceled
	default:
		return store.PaymentCreated
	}
}
