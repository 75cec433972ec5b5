// Package signal models normalized external notifications.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Correlation keys.
const (
	KeyExternalID    = "externalId"
	KeyTransactionID = "transactionId"
	KeyVenue         = "venue"
	KeyAsset         = "asset"
)

// Payload paths checked for the provider status, most specific last.
var StatusPaths = []string{"status", "data.status", "payment.status", "event.status"}

// Signal is an authenticated, normalized webhook forwarded by an intake handler.
type Signal struct {
	Provider        string            `json:"provider"`
	CorrelationKeys map[string]string `json:"correlationKeys"`
	Payload         map[string]any    `json:"payload"`
}

// ExternalID returns the provider correlation handle.
func (s Signal) ExternalID() string {
	return s.Key(KeyExternalID)
}

// Key returns a correlation key value.
func (s Signal) Key(name string) string {
	if s.CorrelationKeys == nil {
		return ""
	}
	return s.CorrelationKeys[name]
}

// Lookup reads a gjson path from the payload; missing or non-scalar values yield "".
func (s Signal) Lookup(path string) string {
	if len(s.Payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(s.Payload)
	if err != nil {
		return ""
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() || res.IsObject() || res.IsArray() {
		return ""
	}
	return res.String()
}

// First returns the first non-empty value among paths.
func (s Signal) First(paths ...string) string {
	for _, p := range paths {
		if v := s.Lookup(p); v != "" {
			return v
		}
	}
	return ""
}

// Status returns the raw provider status carried by the payload.
func (s Signal) Status() string {
	return s.First(StatusPaths...)
}

// Fingerprint identifies the signal content; map keys are marshalled in sorted order.
// Payloads that cannot be marshalled have no fingerprint.
func (s Signal) Fingerprint() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("fingerprint signal: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
