package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeGateway talks to Stripe's PaymentIntents API.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway authenticated with the given secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil)}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripe("create_intent", err)
	}
	return fromStripe(pi), nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, wrapStripe("retrieve_intent", err)
	}
	return fromStripe(pi), nil
}

func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Cancel(intentID, params)
	if err != nil {
		return nil, wrapStripe("cancel_intent", err)
	}
	return fromStripe(pi), nil
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Status:       MapStripeStatus(string(pi.Status)),
	}
	if pi.LastPaymentError != nil {
		in.FailureMessage = pi.LastPaymentError.Msg
	}
	return in
}

// MapStripeStatus converts a Stripe PaymentIntent status into an IntentStatus.
func MapStripeStatus(status string) IntentStatus {
	switch status {
	case "succeeded":
		return IntentSucceeded
	case "processing":
		return IntentProcessing
	case "canceled":
		return IntentCanceled
	default:
		return IntentRequiresAction
	}
}

func wrapStripe(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		gwErr := &Error{Op: op, Message: se.Msg, Err: err}
		if se.Type == stripe.ErrorTypeCard {
			gwErr.Err = errors.Join(ErrDeclined, err)
		}
		return gwErr
	}
	return &Error{Op: op, Err: err}
}
