// Package webhooks reconciles provider callbacks into proposal state. Every
// handler reports an Outcome instead of failing; the HTTP layer always
// answers 200 so providers never enter retry storms.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"clinicflow/api/internal/auth"
	"clinicflow/api/internal/store"
	"clinicflow/api/internal/util"
)

type Outcome string

const (
	OutcomeUnauthorized    Outcome = "unauthorized"
	OutcomeMalformed       Outcome = "malformed"
	OutcomeUnknownResource Outcome = "unknown_resource"
	OutcomeStale           Outcome = "stale"
	OutcomeUpdated         Outcome = "updated"
	OutcomePropagated      Outcome = "propagated"
	OutcomeProvisioned     Outcome = "provisioned"
	OutcomeFailed          Outcome = "failed"
)

type ReceiptStore interface {
	InsertWebhookReceipt(ctx context.Context, r store.WebhookReceipt) error
}

// recordReceipt is best effort; losing a receipt never fails a delivery.
func recordReceipt(ctx context.Context, st ReceiptStore, logger *slog.Logger, provider string, body []byte, outcome Outcome, at time.Time) {
	var stored json.RawMessage
	if json.Valid(body) {
		stored = json.RawMessage(body)
	}
	err := st.InsertWebhookReceipt(context.WithoutCancel(ctx), store.WebhookReceipt{
		ID:         util.NewID("whr"),
		Provider:   provider,
		BodySHA256: auth.HashToken(string(body)),
		Body:       stored,
		Outcome:    string(outcome),
		ReceivedAt: at,
	})
	if err != nil {
		logger.WarnContext(ctx, "webhook receipt not recorded", "provider", provider, "error", err)
	}
}

// stringField reads a scalar at path, rendering numbers without quotes.
func stringField(obj map[string]any, path ...string) string {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	switch v := cur.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func decodeObject(body []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}
