package domain

import (
	"time"
)

type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxSuccess    TxStatus = "success"
	TxFailed     TxStatus = "failed"
	TxOrphaned   TxStatus = "orphaned"
	TxSuperseded TxStatus = "superseded"
)

// Transaction is one payment attempt at the provider.
type Transaction struct {
	ID            string
	OrderID       *string
	Provider      string
	Reference     string
	AmountMinor   int64
	Currency      string
	Status        TxStatus
	FailureReason string
	Raw           []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Source string

const (
	SourceCallback Source = "callback"
	SourceWebhook  Source = "webhook"
	SourceOps      Source = "ops"
)
