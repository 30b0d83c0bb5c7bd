package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/pkg/logging"
	"kupon/pkg/metrics"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IssueInput binds a payment token to a payment and the origin allowed to redeem it.
type IssueInput struct {
	OrderID   string
	PaymentID string
	IntentID  string
	Origin    string
}

// IssuedToken is a freshly signed payment token.
type IssuedToken struct {
	ID        string
	Token     string
	ExpiresAt time.Time
}

// TokenContext is what a valid token unlocks for the payment UI.
type TokenContext struct {
	OrderID      string          `json:"order_id"`
	IntentID     string          `json:"intent_id"`
	ClientSecret string          `json:"client_secret"`
	Amount       decimal.Decimal `json:"amount"`
	AmountMinor  int64           `json:"amount_minor"`
	Currency     string          `json:"currency"`
	Origin       string          `json:"origin"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

type paymentClaims struct {
	OrderID  string `json:"order_id"`
	IntentID string `json:"intent_id"`
	jwt.StandardClaims
}

// PaymentTokenService issues short-lived, single-use credentials that hand a
// payment over to the payment UI origin. Tokens are signed JWTs mirrored in the
// database so they can be consumed and revoked.
type PaymentTokenService struct {
	tokens   repositories.PaymentTokenRepository
	payments repositories.PaymentRepository
	secret   []byte
	ttl      time.Duration
	origins  map[string]bool
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentTokenService creates a new PaymentTokenService.
func NewPaymentTokenService(
	tokens repositories.PaymentTokenRepository,
	payments repositories.PaymentRepository,
	secret string,
	ttl time.Duration,
	allowedOrigins []string,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PaymentTokenService {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &PaymentTokenService{
		tokens:   tokens,
		payments: payments,
		secret:   []byte(secret),
		ttl:      ttl,
		origins:  origins,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// TTL is the lifetime of newly issued tokens.
func (s *PaymentTokenService) TTL() time.Duration { return s.ttl }

// Issue stores a new payment token for the order and returns it signed.
func (s *PaymentTokenService) Issue(ctx context.Context, in IssueInput) (*IssuedToken, error) {
	if len(s.origins) > 0 && !s.origins[in.Origin] {
		s.metrics.Token("issue", "origin_rejected")
		return nil, fmt.Errorf("%q: %w", in.Origin, ErrDisallowedOrigin)
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	jti := uuid.New().String()
	claims := paymentClaims{
		OrderID:  in.OrderID,
		IntentID: in.IntentID,
		StandardClaims: jwt.StandardClaims{
			Audience:  in.Origin,
			ExpiresAt: expiresAt.Unix(),
			IssuedAt:  now.Unix(),
			Id:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment token: %w", err)
	}

	row := &models.PaymentToken{
		ID:        jti,
		Token:     signed,
		OrderID:   in.OrderID,
		PaymentID: in.PaymentID,
		IntentID:  in.IntentID,
		Origin:    in.Origin,
		ExpiresAt: expiresAt,
	}
	if err := s.tokens.Create(ctx, row); err != nil {
		return nil, err
	}
	s.metrics.Token("issue", "ok")
	return &IssuedToken{ID: jti, Token: signed, ExpiresAt: expiresAt}, nil
}

// Validate checks the token on every call. An empty origin skips the origin check.
func (s *PaymentTokenService) Validate(ctx context.Context, token, origin string) (*TokenContext, error) {
	tc, err := s.validate(ctx, token, origin)
	if err != nil {
		var te *TokenError
		if errors.As(err, &te) {
			s.metrics.Token("validate", string(te.Reason))
			s.logger.Warn("payment token rejected", logging.SecurityEvent("payment_token"), zap.String("reason", string(te.Reason)))
		}
		return nil, err
	}
	s.metrics.Token("validate", "ok")
	return tc, nil
}

func (s *PaymentTokenService) validate(ctx context.Context, token, origin string) (*TokenContext, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}

	row, err := s.tokens.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, &TokenError{Reason: ReasonNotFound}
		}
		return nil, err
	}
	if row.IsUsed {
		return nil, &TokenError{Reason: ReasonAlreadyUsed}
	}
	if !s.now().Before(row.ExpiresAt) {
		return nil, &TokenError{Reason: ReasonExpired}
	}
	if origin != "" && origin != row.Origin {
		return nil, &TokenError{Reason: ReasonOriginMismatch}
	}

	payment, err := s.payments.GetByOrderID(ctx, row.OrderID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, &TokenError{Reason: ReasonNotFound}
		}
		return nil, err
	}
	if payment.Status.IsTerminal() {
		return nil, &TokenError{Reason: ReasonPaymentFinalized}
	}
	if payment.IntentID != claims.IntentID {
		return nil, &TokenError{Reason: ReasonSuperseded}
	}

	return &TokenContext{
		OrderID:      row.OrderID,
		IntentID:     payment.IntentID,
		ClientSecret: payment.ClientSecret,
		Amount:       FromMinorUnits(payment.AmountMinor, payment.Currency),
		AmountMinor:  payment.AmountMinor,
		Currency:     payment.Currency,
		Origin:       row.Origin,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

// MarkUsed consumes the token. It is one-way and idempotent, and is accepted
// after expiry so a completed payment can still close its token.
func (s *PaymentTokenService) MarkUsed(ctx context.Context, token string) error {
	if _, err := s.parse(token); err != nil && !IsTokenReason(err, ReasonExpired) {
		s.metrics.Token("mark_used", string(ReasonSignatureInvalid))
		return err
	}
	changed, err := s.tokens.MarkUsed(ctx, token, s.now())
	if err != nil {
		return err
	}
	if changed {
		s.metrics.Token("mark_used", "ok")
		return nil
	}
	if _, err := s.tokens.GetByToken(ctx, token); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.metrics.Token("mark_used", string(ReasonNotFound))
			return &TokenError{Reason: ReasonNotFound}
		}
		return err
	}
	s.metrics.Token("mark_used", "already_used")
	return nil
}

// PurgeExpired deletes tokens that expired more than retention ago.
func (s *PaymentTokenService) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.tokens.DeleteExpiredBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged expired payment tokens", zap.Int64("count", n))
	}
	return n, nil
}

func (s *PaymentTokenService) parse(token string) (*paymentClaims, error) {
	claims := &paymentClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors == jwt.ValidationErrorExpired {
			return claims, &TokenError{Reason: ReasonExpired}
		}
		return nil, &TokenError{Reason: ReasonSignatureInvalid}
	}
	return claims, nil
}
