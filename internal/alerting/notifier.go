package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Notification is an internal operations alert about a transaction.
type Notification struct {
	Heading       string
	TransactionID string
	Status        string
	Corridor      string
	Amount        string
	Notes         string
	Trigger       string
	OccurredAt    time.Time
}

// Notifier delivers an internal alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	heading := note.Heading
	if heading == "" {
		heading = "Transaction update"
	}
	builder.WriteString(fmt.Sprintf("[%s]\n", heading))
	builder.WriteString(fmt.Sprintf("Transaction: %s\n", note.TransactionID))
	if note.Status != "" {
		builder.WriteString(fmt.Sprintf("Status: %s\n", note.Status))
	}
	if note.Corridor != "" {
		builder.WriteString(fmt.Sprintf("Corridor: %s\n", note.Corridor))
	}
	if note.Amount != "" {
		builder.WriteString(fmt.Sprintf("Amount: %s\n", note.Amount))
	}
	if note.Trigger != "" {
		builder.WriteString(fmt.Sprintf("Trigger: %s\n", note.Trigger))
	}
	if !note.OccurredAt.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.OccurredAt.UTC().Format(time.RFC3339)))
	}
	if note.Notes != "" {
		builder.WriteString(note.Notes)
	}
	return builder.String()
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
