package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"corridor-flows/internal/transaction"
)

// VolumeBucket aggregates transactions created within one report bucket.
type VolumeBucket struct {
	Bucket time.Time
	Status transaction.Status
	Count  int64
	Amount decimal.Decimal
}
