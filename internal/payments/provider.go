package payments

import (
	"context"
	"time"
)

// Status enumerates the normalised payment states.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been fully refunded.
	StatusRefunded Status = "refunded"
)

// PaymentDetails normalises PSP specific fields.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Metadata   map[string]string
	CapturedAt *time.Time
}

// Lookup retrieves the current state of a payment by intent.
type Lookup interface {
	LookupPayment(ctx context.Context, intentID string) (PaymentDetails, error)
}
