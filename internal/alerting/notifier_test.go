package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sampleNote() Notification {
	return Notification{
		Heading:       "Payment completed",
		TransactionID: "tx-1",
		Status:        "PAYMENT_COMPLETED",
		Corridor:      "USDC/STELLAR/BRL",
		Amount:        "100 USDC",
		Trigger:       "provider_webhook",
		OccurredAt:    time.Now(),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("telegram notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "tx-1") {
		t.Fatalf("text should mention the transaction: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestSlackNotifierPostsText(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(srv.URL, "#payments-ops", time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("slack notify should succeed: %v", err)
	}
	if received["channel"] != "#payments-ops" {
		t.Fatalf("unexpected channel: %#v", received)
	}
	if !strings.HasPrefix(received["text"], "[Payment completed]") {
		t.Fatalf("unexpected text: %q", received["text"])
	}
}

func TestSlackNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	notifier := NewSlackNotifier(srv.URL, "", time.Second, testLogger())
	err := notifier.Notify(context.Background(), sampleNote())
	if err == nil || !strings.Contains(err.Error(), "invalid_token") {
		t.Fatalf("expected slack error with body, got %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
