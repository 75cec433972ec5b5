package status

import "strings"

// ISO 20022 pacs.002 transaction status codes reported by PIX settlement.
var pixCodes = map[string]Canonical{
	"ACSC": Completed,
	"ACCC": Completed,
	"ACSP": Processing,
	"ACTC": Processing,
	"PDNG": Processing,
	"RCVD": Processing,
	"RJCT": Failed,
	"CANC": Failed,
}

// Pix understands ISO 20022 codes and falls back to keyword classification.
var Pix Adapter = AdapterFunc(func(raw string) Canonical {
	if c, ok := pixCodes[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return c
	}
	return Default.MapStatus(raw)
})

var speiStatuses = map[string]Canonical{
	"liquidada":  Completed,
	"liquidated": Completed,
	"devuelta":   Failed,
	"returned":   Failed,
	"cancelada":  Failed,
	"enviada":    Processing,
	"sent":       Processing,
	"en_proceso": Processing,
}

// Spei handles the Mexican SPEI lifecycle names.
var Spei Adapter = AdapterFunc(func(raw string) Canonical {
	if c, ok := speiStatuses[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return c
	}
	return Default.MapStatus(raw)
})

var nequiStatuses = map[string]Canonical{
	"APPROVED": Completed,
	"SUCCESS":  Completed,
	"PENDING":  Processing,
	"REJECTED": Failed,
	"FAILED":   Failed,
	"CANCELED": Failed,
}

// Nequi handles the upper-case statuses of the Nequi push payment API.
var Nequi Adapter = AdapterFunc(func(raw string) Canonical {
	if c, ok := nequiStatuses[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return c
	}
	return Default.MapStatus(raw)
})
