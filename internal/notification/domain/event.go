package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("notification event not found")
	ErrValidation      = errors.New("invalid notification")
	ErrUnknownTemplate = errors.New("unknown notification template")
	ErrNotRequeueable  = errors.New("only failed notifications can be requeued")
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Event is one requested notification. DedupeKey is unique across the
// queue; two requests with the same key are the same notification.
type Event struct {
	ID            int64
	OrderID       string
	EventType     string
	Recipient     string
	TemplateKey   string
	Variables     map[string]string
	DedupeKey     string
	Status        Status
	Priority      int
	RetryCount    int
	MaxRetries    int
	NextAttemptAt time.Time
	LastError     string
	ClaimedBy     string
	ClaimedAt     *time.Time
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Request asks for a notification. Salt is empty unless the caller opts out
// of deduplication.
type Request struct {
	OrderID     string
	EventType   string
	Recipient   string
	TemplateKey string
	Variables   map[string]string
	Priority    int
	MaxRetries  int
	Salt        string
}

// Message is a rendered event handed to the transport.
type Message struct {
	EventID   int64
	DedupeKey string
	To        string
	Subject   string
	Body      string
}
