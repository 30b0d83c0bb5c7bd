package services_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/internal/services"
	"kupon/pkg/gateway"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// callRecorder keeps the order in which recorded calls happened.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *callRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *callRecorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type recordingOrders struct {
	repositories.OrderRepository
	rec *callRecorder
}

func (o recordingOrders) WithTx(tx *gorm.DB) repositories.OrderRepository {
	return recordingOrders{OrderRepository: o.OrderRepository.WithTx(tx), rec: o.rec}
}

func (o recordingOrders) GetByIDForUpdate(ctx context.Context, id string) (*models.Order, error) {
	o.rec.add("orders")
	return o.OrderRepository.GetByIDForUpdate(ctx, id)
}

type recordingPayments struct {
	repositories.PaymentRepository
	rec *callRecorder
}

func (p recordingPayments) WithTx(tx *gorm.DB) repositories.PaymentRepository {
	return recordingPayments{PaymentRepository: p.PaymentRepository.WithTx(tx), rec: p.rec}
}

func (p recordingPayments) GetByOrderIDForUpdate(ctx context.Context, orderID string) (*models.Payment, error) {
	p.rec.add("payments")
	return p.PaymentRepository.GetByOrderIDForUpdate(ctx, orderID)
}

func recordingRepos(e *testEnv) (*callRecorder, recordingOrders, recordingPayments) {
	rec := &callRecorder{}
	return rec, recordingOrders{OrderRepository: e.orders, rec: rec}, recordingPayments{PaymentRepository: e.payments, rec: rec}
}

func TestWebhookService_LocksOrderBeforePayment(t *testing.T) {
	e := newTestEnv(t)
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Aquarium", "15", intPtr(5))

	rec, orders, payments := recordingRepos(e)
	webhooks := services.NewWebhookService(e.db, orders, payments, e.inventory, e.wallet, nil,
		testWebhookSecret, testWebhookTimeout, nil, zap.NewNop())

	for _, eventType := range []string{services.EventIntentProcessing, services.EventIntentSucceeded, services.EventIntentFailed} {
		order := e.placeStripeOrder(t, u, c, 1)
		session := initiate(t, e, u, order)
		rec.reset()

		payload := intentEvent("evt_"+eventType+order.ID, eventType, session.IntentID, order.ID)
		evt, err := webhooks.Verify(payload, services.SignPayload(testWebhookSecret, payload, time.Now()))
		require.NoError(t, err)
		res := webhooks.Apply(context.Background(), evt)
		require.Equal(t, services.OutcomeProcessed, res.Outcome, eventType)
		assert.Equal(t, []string{"orders", "payments"}, rec.sequence(), eventType)
	}
}

func TestPaymentService_LocksOrderBeforePayment(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Aquarium", "15", intPtr(5))
	order := e.placeStripeOrder(t, u, c, 1)

	rec, orders, payments := recordingRepos(e)
	svc := services.NewPaymentService(e.db, orders, payments, e.gateway, e.inventory, e.wallet, zap.NewNop())

	payment, err := svc.CreateIntent(ctx, services.IntentInput{OrderID: order.ID, AmountMinor: 1500, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "payments"}, rec.sequence())

	rec.reset()
	e.gateway.SetStatus(payment.IntentID, gateway.IntentProcessing)
	_, err = svc.RetrieveIntent(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "payments"}, rec.sequence())

	rec.reset()
	_, _, err = svc.CancelIntent(ctx, order.ID, "changed mind")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "payments"}, rec.sequence())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, services.IsRetryable(fmt.Errorf("failed to get payment: %w", &pgconn.PgError{Code: "40P01"})))
	assert.True(t, services.IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.False(t, services.IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, services.IsRetryable(services.ErrPaymentNotFound))
}
