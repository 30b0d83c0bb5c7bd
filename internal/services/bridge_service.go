package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/pkg/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// User resolution outcomes reported to the external caller.
const (
	UserStatusExisting = "existing"
	UserStatusCreated  = "created"
)

// BridgeItem is one line of an external payment request.
type BridgeItem struct {
	CouponID  string `json:"coupon_id,omitempty" validate:"required_without=PackageID,excluded_with=PackageID"`
	PackageID string `json:"package_id,omitempty" validate:"required_without=CouponID"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// BridgeRequest asks for a payment link on behalf of a phone number.
type BridgeRequest struct {
	Phone       string       `json:"phone" validate:"required,e164"`
	ReferenceID string       `json:"reference_id" validate:"required,max=128"`
	Currency    string       `json:"currency" validate:"required,len=3"`
	Items       []BridgeItem `json:"items" validate:"required,min=1,dive"`
	Origin      string       `json:"origin,omitempty" validate:"omitempty,url"`
}

// BridgeResult is returned to the external caller.
type BridgeResult struct {
	PaymentURL string    `json:"payment_url"`
	OrderID    string    `json:"order_id"`
	UserStatus string    `json:"user_status"`
	Reused     bool      `json:"reused"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// BridgeService lets a trusted external system open payments for buyers it
// identifies by phone number.
type BridgeService struct {
	users  repositories.UserRepository
	orders repositories.OrderRepository
	orderS *OrderService
	secret []byte
	logger *zap.Logger
}

// NewBridgeService creates a new BridgeService.
func NewBridgeService(users repositories.UserRepository, orders repositories.OrderRepository, orderS *OrderService, secret string, logger *zap.Logger) *BridgeService {
	return &BridgeService{users: users, orders: orders, orderS: orderS, secret: []byte(secret), logger: logger}
}

// SignBody returns the hex HMAC-SHA256 of body under secret.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the hex HMAC of the literal request body.
func (s *BridgeService) VerifySignature(body []byte, signature string) error {
	expected := SignBody(string(s.secret), body)
	if signature == "" || !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		s.logger.Warn("bridge signature rejected", logging.SecurityEvent("bridge_signature"))
		return fmt.Errorf("bridge request: %w", ErrInvalidSignature)
	}
	return nil
}

// ResolveOrCreateUser finds the user owning phone, creating an inactive
// shadow user when there is none.
func (s *BridgeService) ResolveOrCreateUser(ctx context.Context, phone string) (*models.User, string, error) {
	user, err := s.users.GetByPhone(ctx, phone)
	if err == nil {
		return user, UserStatusExisting, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, "", err
	}

	password, err := randomPassword()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}
	p := phone
	user = &models.User{
		Username: "guest-" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Phone:    &p,
		Password: string(hash),
		IsActive: false,
		IsShadow: true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		// A concurrent request may have created the same phone first.
		existing, gerr := s.users.GetByPhone(ctx, phone)
		if gerr == nil {
			return existing, UserStatusExisting, nil
		}
		return nil, "", err
	}
	s.logger.Info("shadow user created", zap.String("user_id", user.ID))
	return user, UserStatusCreated, nil
}

// RequestPaymentLink resolves the buyer, reuses or places the order for the
// request's reference id and returns a payment link for it.
func (s *BridgeService) RequestPaymentLink(ctx context.Context, req BridgeRequest) (*BridgeResult, error) {
	user, status, err := s.ResolveOrCreateUser(ctx, req.Phone)
	if err != nil {
		return nil, err
	}

	order, reused, err := s.findOrPlace(ctx, user.ID, req)
	if err != nil {
		return nil, err
	}

	session, err := s.orderS.InitiatePayment(ctx, user.ID, order.ID, PaymentOptions{
		Origin: req.Origin,
		Metadata: map[string]string{
			models.MetadataReferenceID: req.ReferenceID,
			models.MetadataSource:      "bridge",
		},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("bridge payment link issued",
		zap.String("order_id", order.ID),
		zap.String("reference_id", req.ReferenceID),
		zap.String("user_status", status),
		zap.Bool("reused", reused))
	return &BridgeResult{
		PaymentURL: session.PaymentURL,
		OrderID:    order.ID,
		UserStatus: status,
		Reused:     reused,
		ExpiresAt:  session.ExpiresAt,
	}, nil
}

func (s *BridgeService) findOrPlace(ctx context.Context, userID string, req BridgeRequest) (*models.Order, bool, error) {
	order, err := s.existing(ctx, userID, req.ReferenceID)
	if err != nil || order != nil {
		return order, order != nil, err
	}

	lines := make([]LineRequest, 0, len(req.Items))
	for _, item := range req.Items {
		ref := models.CouponRef(item.CouponID)
		if item.PackageID != "" {
			ref = models.PackageRef(item.PackageID)
		}
		lines = append(lines, LineRequest{Ref: ref, Quantity: item.Quantity})
	}
	placed, err := s.orderS.PlaceOrder(ctx, PlaceOrderInput{
		UserID:      userID,
		Currency:    req.Currency,
		Method:      models.PaymentMethodStripe,
		Lines:       lines,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		// Lost a race on the unique reference id: use the winner's order.
		if order, gerr := s.existing(ctx, userID, req.ReferenceID); gerr == nil && order != nil {
			return order, true, nil
		}
		return nil, false, err
	}
	return placed, false, nil
}

func (s *BridgeService) existing(ctx context.Context, userID, referenceID string) (*models.Order, error) {
	order, err := s.orders.GetByReference(ctx, referenceID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if order.UserID != userID {
		s.logger.Warn("reference id reused across users",
			logging.SecurityEvent("bridge_reference"),
			zap.String("reference_id", referenceID))
		return nil, fmt.Errorf("reference %s: %w", referenceID, ErrReferenceConflict)
	}
	return order, nil
}

func randomPassword() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
