// Package gateway wraps the external card-payment provider behind a small
// interface: create, retrieve and cancel a payment intent.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// IntentStatus is the provider-neutral status of a payment intent.
type IntentStatus string

const (
	IntentRequiresAction IntentStatus = "requires_action"
	IntentProcessing     IntentStatus = "processing"
	IntentSucceeded      IntentStatus = "succeeded"
	IntentFailed         IntentStatus = "failed"
	IntentCanceled       IntentStatus = "canceled"
)

// IntentRequest describes the charge to create.
type IntentRequest struct {
	OrderID        string
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the gateway's view of an in-flight charge.
type Intent struct {
	ID             string
	ClientSecret   string
	Status         IntentStatus
	AmountMinor    int64
	Currency       string
	FailureMessage string
}

// Gateway is an asynchronous payment provider; final outcomes arrive by webhook.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) (*Intent, error)
}

// Charger settles a payment synchronously, within the request.
type Charger interface {
	Charge(ctx context.Context, req IntentRequest) (*Intent, error)
}

// ErrDeclined is wrapped by Error when the provider refused the charge.
var ErrDeclined = errors.New("payment declined")

// Error carries the provider's user-facing message, when it has one.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is safe to show to the buyer.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return "The payment could not be processed. Please try again later."
}
