package store

import (
	"encoding/json"
	"time"
)

// Provider tags for raw payloads.
const (
	ProviderPayments   = "asaas"
	ProviderSignatures = "zapsign"
)

// RawPayload keeps a provider body verbatim next to the projection we read
// from it. Only Body is authoritative for replay.
type RawPayload struct {
	Provider   string          `json:"provider"`
	Source     string          `json:"source"`
	ReceivedAt time.Time       `json:"received_at"`
	Body       json.RawMessage `json:"body"`
}

// Raw payload sources.
const (
	SourceCreate  = "create"
	SourceWebhook = "webhook"
)

func NewRawPayload(provider, source string, body []byte, at time.Time) json.RawMessage {
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		body = quoted
	}
	encoded, err := json.Marshal(RawPayload{
		Provider:   provider,
		Source:     source,
		ReceivedAt: at.UTC(),
		Body:       json.RawMessage(body),
	})
	if err != nil {
		return json.RawMessage(`null`)
	}
	return encoded
}

func DecodeRawPayload(raw json.RawMessage) (RawPayload, bool) {
	var p RawPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil || p.Provider == "" {
		return RawPayload{}, false
	}
	return p, true
}
