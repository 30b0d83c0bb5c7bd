package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockGateway is an in-process gateway for testing and demos. It implements
// both Gateway (intents stay pending until settled by a webhook) and Charger.
type MockGateway struct {
	// DeclineMessage, when set, makes Charge fail with that message.
	DeclineMessage string
	// CreateErr, when set, makes CreateIntent fail.
	CreateErr error

	intents map[string]*Intent
	created int
	mu      sync.Mutex
}

// NewMockGateway creates a MockGateway that accepts every charge.
func NewMockGateway() *MockGateway {
	return &MockGateway{intents: make(map[string]*Intent)}
}

func (g *MockGateway) Name() string { return "mock" }

func (g *MockGateway) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.CreateErr != nil {
		return nil, &Error{Op: "create_intent", Err: g.CreateErr}
	}
	id := "pi_mock_" + uuid.New().String()
	in := &Intent{
		ID:           id,
		ClientSecret: fmt.Sprintf("%s_secret_%s", id, uuid.New().String()[:8]),
		Status:       IntentRequiresAction,
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
	}
	g.intents[id] = in
	g.created++
	cp := *in
	return &cp, nil
}

func (g *MockGateway) RetrieveIntent(_ context.Context, intentID string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	in, ok := g.intents[intentID]
	if !ok {
		return nil, &Error{Op: "retrieve_intent", Message: "No such payment intent.", Err: fmt.Errorf("intent %s not found", intentID)}
	}
	cp := *in
	return &cp, nil
}

func (g *MockGateway) CancelIntent(_ context.Context, intentID string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	in, ok := g.intents[intentID]
	if !ok {
		return nil, &Error{Op: "cancel_intent", Message: "No such payment intent.", Err: fmt.Errorf("intent %s not found", intentID)}
	}
	in.Status = IntentCanceled
	cp := *in
	return &cp, nil
}

// SetStatus moves an intent to a new status, as the provider would.
func (g *MockGateway) SetStatus(intentID string, status IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if in, ok := g.intents[intentID]; ok {
		in.Status = status
	}
}

// Created reports how many intents have been created.
func (g *MockGateway) Created() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

func (g *MockGateway) Charge(_ context.Context, req IntentRequest) (*Intent, error) {
	if g.DeclineMessage != "" {
		return nil, &Error{Op: "charge", Message: g.DeclineMessage, Err: ErrDeclined}
	}
	return &Intent{
		ID:          "ch_mock_" + uuid.New().String(),
		Status:      IntentSucceeded,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
	}, nil
}
