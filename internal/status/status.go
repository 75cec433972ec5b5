// Package status maps provider specific payout statuses onto canonical ones.
package status

import (
	"strings"
	"sync"
	"unicode"
)

// Canonical is the provider independent payout status.
type Canonical string

const (
	Processing Canonical = "processing"
	Completed  Canonical = "completed"
	Failed     Canonical = "failed"
)

// Adapter maps a provider's raw status string to a canonical status.
type Adapter interface {
	MapStatus(raw string) Canonical
}

// AdapterFunc lets plain functions act as adapters.
type AdapterFunc func(raw string) Canonical

// MapStatus calls f.
func (f AdapterFunc) MapStatus(raw string) Canonical { return f(raw) }

var (
	failurePrefixes = []string{"cancel", "error", "fail", "reject"}
	pendingWords    = map[string]bool{"pending": true, "processing": true, "queued": true}
	successPrefixes = []string{"process", "settle", "success", "complete"}
)

// Default classifies by keyword. Unknown statuses stay processing so a payment is
// never marked complete on a status nobody recognised.
var Default Adapter = AdapterFunc(classify)

func classify(raw string) Canonical {
	words := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	for _, w := range words {
		if hasAnyPrefix(w, failurePrefixes) {
			return Failed
		}
	}
	for _, w := range words {
		if pendingWords[w] {
			return Processing
		}
	}
	for _, w := range words {
		if hasAnyPrefix(w, successPrefixes) {
			return Completed
		}
	}
	return Processing
}

func hasAnyPrefix(word string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(word, p) {
			return true
		}
	}
	return false
}

// Registry resolves adapters by provider name, case-insensitively.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

// NewRegistry returns a registry holding the built-in provider adapters.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		fallback: Default,
	}
	r.Register("pix", Pix)
	r.Register("spei", Spei)
	r.Register("nequi", Nequi)
	return r
}

// Register installs or replaces the adapter for provider.
func (r *Registry) Register(provider string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[normalize(provider)] = adapter
}

// Adapter returns the adapter for provider, or the default adapter.
func (r *Registry) Adapter(provider string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[normalize(provider)]; ok {
		return a
	}
	return r.fallback
}

// Resolve maps raw using the adapter registered for provider.
func (r *Registry) Resolve(provider, raw string) Canonical {
	return r.Adapter(provider).MapStatus(raw)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
