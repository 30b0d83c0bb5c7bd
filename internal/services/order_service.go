package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/pkg/gateway"
	"kupon/pkg/logging"
	"kupon/pkg/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("kupon/internal/services")

// LineRequest asks for quantity units of a coupon or package.
type LineRequest struct {
	Ref      models.LineRef
	Quantity int
}

// CheckoutInput converts the user's cart into an order.
type CheckoutInput struct {
	UserID   string
	Currency string
	Method   models.PaymentMethod
	// DeclaredTotal is what the client displayed. It is only compared and logged.
	DeclaredTotal *decimal.Decimal
}

// PlaceOrderInput places an order from explicit lines, or from the cart when FromCart is set.
type PlaceOrderInput struct {
	UserID        string
	Currency      string
	Method        models.PaymentMethod
	Lines         []LineRequest
	FromCart      bool
	ReferenceID   string
	DeclaredTotal *decimal.Decimal
}

// PaymentOptions tune a payment initiation.
type PaymentOptions struct {
	// Origin of the payment UI; the configured default when empty.
	Origin   string
	Metadata map[string]string
}

// PaymentSession is everything the buyer needs to complete payment on the payment UI.
type PaymentSession struct {
	OrderID     string    `json:"order_id"`
	PaymentID   string    `json:"payment_id"`
	IntentID    string    `json:"intent_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Token       string    `json:"token"`
	PaymentURL  string    `json:"payment_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CheckoutResult is an order plus, for gateway orders, its payment session.
type CheckoutResult struct {
	Order   *models.Order   `json:"order"`
	Session *PaymentSession `json:"payment,omitempty"`
}

// OrderDeps wires an OrderService.
type OrderDeps struct {
	DB            *gorm.DB
	Carts         repositories.CartRepository
	Orders        repositories.OrderRepository
	Coupons       repositories.CouponRepository
	Payments      repositories.PaymentRepository
	Inventory     *InventoryService
	Wallet        *WalletService
	PaymentSvc    *PaymentService
	Tokens        *PaymentTokenService
	Pricing       *PricingResolver
	Charger       gateway.Charger
	Publisher     EventPublisher
	DefaultOrigin string
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// OrderService turns carts into orders and orders into payments.
type OrderService struct {
	db            *gorm.DB
	carts         repositories.CartRepository
	orders        repositories.OrderRepository
	coupons       repositories.CouponRepository
	payments      repositories.PaymentRepository
	inventory     *InventoryService
	wallet        *WalletService
	paymentSvc    *PaymentService
	tokens        *PaymentTokenService
	pricing       *PricingResolver
	charger       gateway.Charger
	publisher     EventPublisher
	defaultOrigin string
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewOrderService creates a new OrderService.
func NewOrderService(d OrderDeps) *OrderService {
	pricing := d.Pricing
	if pricing == nil {
		pricing = NewPricingResolver()
	}
	return &OrderService{
		db:            d.DB,
		carts:         d.Carts,
		orders:        d.Orders,
		coupons:       d.Coupons,
		payments:      d.Payments,
		inventory:     d.Inventory,
		wallet:        d.Wallet,
		paymentSvc:    d.PaymentSvc,
		tokens:        d.Tokens,
		pricing:       pricing,
		charger:       d.Charger,
		publisher:     d.Publisher,
		defaultOrigin: d.DefaultOrigin,
		metrics:       d.Metrics,
		logger:        d.Logger,
		now:           time.Now,
	}
}

// Checkout converts the user's cart into an order.
func (s *OrderService) Checkout(ctx context.Context, in CheckoutInput) (*models.Order, error) {
	return s.PlaceOrder(ctx, PlaceOrderInput{
		UserID:        in.UserID,
		Currency:      in.Currency,
		Method:        in.Method,
		FromCart:      true,
		DeclaredTotal: in.DeclaredTotal,
	})
}

// PlaceOrder prices, reserves and records an order in one transaction. Free
// orders and mock-charged orders come back paid with the wallet granted;
// gateway orders come back pending_payment.
func (s *OrderService) PlaceOrder(ctx context.Context, in PlaceOrderInput) (order *models.Order, err error) {
	ctx, span := tracer.Start(ctx, "order.place",
		trace.WithAttributes(attribute.String("user.id", in.UserID), attribute.String("payment.method", string(in.Method))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	method := in.Method
	if method == "" {
		method = models.PaymentMethodStripe
	}
	currency, err := NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	switch method {
	case models.PaymentMethodStripe, models.PaymentMethodFree:
	case models.PaymentMethodMock:
		if s.charger == nil {
			return nil, fmt.Errorf("%s: %w", method, ErrUnsupportedPaymentMethod)
		}
	default:
		return nil, fmt.Errorf("%q: %w", method, ErrUnsupportedPaymentMethod)
	}

	var reserved []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lines, err := s.resolveLines(ctx, tx, in, currency)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return ErrEmptyCart
		}

		order = &models.Order{
			ID:            uuid.New().String(),
			UserID:        in.UserID,
			Currency:      currency,
			Status:        models.OrderStatusPending,
			PaymentState:  models.PaymentStateAwaiting,
			PaymentMethod: method,
			TotalAmount:   decimal.Zero,
		}
		if in.ReferenceID != "" {
			ref := in.ReferenceID
			order.ReferenceID = &ref
		}
		for _, line := range lines {
			item, err := models.NewOrderItem(line.Ref, line.Title, line.Quantity, line.UnitPrice, currency, line.Grants)
			if err != nil {
				return err
			}
			order.Items = append(order.Items, *item)
			order.TotalAmount = order.TotalAmount.Add(line.Subtotal())
		}
		if in.DeclaredTotal != nil && !in.DeclaredTotal.Equal(order.TotalAmount) {
			s.logger.Warn("client total differs from server total",
				zap.String("user_id", in.UserID),
				zap.String("declared", in.DeclaredTotal.String()),
				zap.String("computed", order.TotalAmount.String()))
		}

		reserved, err = s.inventory.ReserveAllTx(ctx, tx, order.Reservations())
		if err != nil {
			return err
		}

		switch {
		case order.TotalAmount.IsZero():
			order.PaymentMethod = models.PaymentMethodFree
			if err := s.markPaid(order); err != nil {
				return err
			}
		case method == models.PaymentMethodFree:
			return fmt.Errorf("order total is %s %s: %w", order.TotalAmount, currency, ErrUnsupportedPaymentMethod)
		case method == models.PaymentMethodMock:
			if err := s.markPaid(order); err != nil {
				return err
			}
		default:
			if err := s.transition(order, models.OrderStatusPendingPayment); err != nil {
				return err
			}
		}

		orders := s.orders.WithTx(tx)
		if err := orders.Create(ctx, order); err != nil {
			return err
		}
		if in.FromCart {
			if err := s.carts.WithTx(tx).Clear(ctx, in.UserID); err != nil {
				return err
			}
		}
		if order.Status == models.OrderStatusPaid {
			if _, err := s.wallet.GrantTx(ctx, tx, order.UserID, order.ID, order.GrantedCouponIDs()); err != nil {
				return err
			}
		}
		if order.PaymentMethod != models.PaymentMethodMock {
			return nil
		}

		// Charge last: only the two writes below can fail once money has moved.
		// If one does the order rolls back, the charge stands and is logged for refund.
		payment, err := s.charge(ctx, order, in.ReferenceID)
		if err != nil {
			return err
		}
		order.IntentID = payment.IntentID
		if err := orders.Save(ctx, order); err != nil {
			s.logChargeOrphaned(order, payment, err)
			return err
		}
		if err := s.payments.WithTx(tx).Create(ctx, payment); err != nil {
			s.logChargeOrphaned(order, payment, err)
			return err
		}
		return nil
	})
	if err != nil {
		s.metrics.Checkout(string(method), checkoutOutcome(err))
		return nil, err
	}

	s.inventory.Invalidate(ctx, reserved...)
	s.metrics.Checkout(string(order.PaymentMethod), string(order.Status))
	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("status", string(order.Status)),
		zap.String("total", order.TotalAmount.String()),
		zap.String("currency", order.Currency))
	s.publishOrder(EventOrderCreated, order)
	if order.Status == models.OrderStatusPaid {
		s.publishOrder(EventOrderPaid, order)
	}
	return order, nil
}

func (s *OrderService) resolveLines(ctx context.Context, tx *gorm.DB, in PlaceOrderInput, currency string) ([]PricedLine, error) {
	if in.FromCart {
		items, err := s.carts.WithTx(tx).ListByUser(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		lines := make([]PricedLine, 0, len(items))
		for i := range items {
			line, err := s.pricing.PriceCartItem(&items[i], currency)
			if err != nil {
				return nil, err
			}
			lines = append(lines, line)
		}
		return lines, nil
	}

	coupons := s.coupons.WithTx(tx)
	lines := make([]PricedLine, 0, len(in.Lines))
	for _, req := range in.Lines {
		if req.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if err := req.Ref.Validate(); err != nil {
			return nil, err
		}
		var (
			line PricedLine
			err  error
		)
		switch req.Ref.Kind {
		case models.LineCoupon:
			coupon, gerr := coupons.GetByID(ctx, req.Ref.ID)
			if gerr != nil {
				return nil, notFound(gerr, ErrCouponNotFound, req.Ref.ID)
			}
			line, err = s.pricing.PriceCoupon(coupon, req.Quantity, currency)
		default:
			pkg, gerr := coupons.GetPackage(ctx, req.Ref.ID)
			if gerr != nil {
				return nil, notFound(gerr, ErrPackageNotFound, req.Ref.ID)
			}
			line, err = s.pricing.PricePackage(pkg, req.Quantity, currency)
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// charge settles a mock-method order synchronously.
func (s *OrderService) charge(ctx context.Context, order *models.Order, referenceID string) (*models.Payment, error) {
	metadata := models.Metadata{models.MetadataOrderID: order.ID}
	if referenceID != "" {
		metadata[models.MetadataReferenceID] = referenceID
	}
	amount := ToMinorUnits(order.TotalAmount, order.Currency)
	intent, err := s.charger.Charge(ctx, gateway.IntentRequest{
		OrderID:        order.ID,
		AmountMinor:    amount,
		Currency:       order.Currency,
		Metadata:       metadata,
		IdempotencyKey: "charge-" + order.ID,
	})
	if err != nil {
		s.logger.Info("charge declined", zap.String("order_id", order.ID), zap.Error(err))
		return nil, err
	}
	now := s.now()
	return &models.Payment{
		OrderID:     order.ID,
		IntentID:    intent.ID,
		AmountMinor: amount,
		Currency:    order.Currency,
		Status:      models.PaymentStatusSucceeded,
		Gateway:     string(models.PaymentMethodMock),
		Metadata:    metadata,
		CompletedAt: &now,
	}, nil
}

func (s *OrderService) logChargeOrphaned(order *models.Order, payment *models.Payment, err error) {
	s.logger.Error("charge succeeded but order was not recorded",
		zap.String("order_id", order.ID),
		zap.String("charge_id", payment.IntentID),
		zap.Int64("amount_minor", payment.AmountMinor),
		zap.String("currency", payment.Currency),
		zap.Error(err))
}

func (s *OrderService) markPaid(order *models.Order) error {
	if err := s.transition(order, models.OrderStatusPaid); err != nil {
		return err
	}
	now := s.now()
	order.PaymentState = models.PaymentStateCompleted
	order.PaidAt = &now
	return nil
}

func (s *OrderService) transition(order *models.Order, to models.OrderStatus) error {
	if !models.CanTransition(order.Status, to) {
		return fmt.Errorf("order %s cannot move from %s to %s: %w", order.ID, order.Status, to, ErrInvalidOrderState)
	}
	order.Status = to
	return nil
}

// InitiatePayment opens (or reuses) the gateway intent of a pending_payment
// order and issues a payment token for the payment UI.
func (s *OrderService) InitiatePayment(ctx context.Context, userID, orderID string, opts PaymentOptions) (session *PaymentSession, err error) {
	ctx, span := tracer.Start(ctx, "order.initiate_payment", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	order, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case models.OrderStatusPaid:
		return nil, fmt.Errorf("order %s: %w", orderID, ErrAlreadyPaid)
	case models.OrderStatusPendingPayment:
	default:
		return nil, fmt.Errorf("order %s is %s: %w", orderID, order.Status, ErrInvalidOrderState)
	}

	origin := opts.Origin
	if origin == "" {
		origin = s.defaultOrigin
	}

	payment, err := s.paymentSvc.CreateIntent(ctx, IntentInput{
		OrderID:     order.ID,
		AmountMinor: ToMinorUnits(order.TotalAmount, order.Currency),
		Currency:    order.Currency,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return nil, err
	}

	issued, err := s.tokens.Issue(ctx, IssueInput{
		OrderID:   order.ID,
		PaymentID: payment.ID,
		IntentID:  payment.IntentID,
		Origin:    origin,
	})
	if err != nil {
		return nil, err
	}

	return &PaymentSession{
		OrderID:     order.ID,
		PaymentID:   payment.ID,
		IntentID:    payment.IntentID,
		AmountMinor: payment.AmountMinor,
		Currency:    payment.Currency,
		Token:       issued.Token,
		PaymentURL:  origin + "/pay?token=" + url.QueryEscape(issued.Token),
		ExpiresAt:   issued.ExpiresAt,
	}, nil
}

// CheckoutAndPay checks out the cart and, for gateway orders, initiates payment right away.
func (s *OrderService) CheckoutAndPay(ctx context.Context, in CheckoutInput, origin string) (*CheckoutResult, error) {
	order, err := s.Checkout(ctx, in)
	if err != nil {
		return nil, err
	}
	result := &CheckoutResult{Order: order}
	if order.Status != models.OrderStatusPendingPayment {
		return result, nil
	}
	session, err := s.InitiatePayment(ctx, in.UserID, order.ID, PaymentOptions{Origin: origin})
	if err != nil {
		// The order stays pending_payment and can be paid later.
		return result, err
	}
	result.Session = session
	return result, nil
}

// GetOrder returns one of the user's orders with its items.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	return s.ownedOrder(ctx, userID, orderID)
}

// ListOrders returns the user's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	return s.orders.ListByUser(ctx, userID)
}

// CancelOrder lets the buyer abandon a pending_payment order.
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	if _, err := s.ownedOrder(ctx, userID, orderID); err != nil {
		return nil, err
	}
	order, released, err := s.paymentSvc.CancelIntent(ctx, orderID, "cancelled by buyer")
	if err != nil {
		return nil, err
	}
	s.inventory.Invalidate(ctx, released...)
	s.publishOrder(EventOrderCancelled, order)
	return order, nil
}

func (s *OrderService) ownedOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound, orderID)
	}
	if order.UserID != userID {
		s.logger.Warn("order access denied",
			logging.SecurityEvent("order_owner"),
			zap.String("order_id", orderID),
			zap.String("user_id", userID))
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotOrderOwner)
	}
	return order, nil
}

func (s *OrderService) publishOrder(key string, order *models.Order) {
	publish(s.publisher, s.logger, key, OrderEvent{
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		Total:      order.TotalAmount.String(),
		Currency:   order.Currency,
		Reason:     order.FailureReason,
		OccurredAt: s.now(),
	})
}

func checkoutOutcome(err error) string {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrLimitReached):
		return "out_of_stock"
	case errors.As(err, &gwErr):
		return "declined"
	default:
		return "error"
	}
}

// notFound maps a repository miss onto a service sentinel.
func notFound(err, sentinel error, id string) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, sentinel)
	}
	return err
}
