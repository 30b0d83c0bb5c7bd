package services

import (
	"context"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WalletService grants purchased coupons to their buyer.
type WalletService struct {
	db     *gorm.DB
	wallet repositories.WalletRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewWalletService creates a new WalletService.
func NewWalletService(db *gorm.DB, wallet repositories.WalletRepository, logger *zap.Logger) *WalletService {
	return &WalletService{db: db, wallet: wallet, logger: logger, now: time.Now}
}

// GrantTx adds the coupons to the user's wallet inside tx. Coupons already held
// are skipped, so granting the same order twice is harmless. It returns the
// number of new wallet entries.
func (s *WalletService) GrantTx(ctx context.Context, tx *gorm.DB, userID, orderID string, couponIDs []string) (int64, error) {
	if len(couponIDs) == 0 {
		return 0, nil
	}
	now := s.now()
	entries := make([]models.UserCoupon, 0, len(couponIDs))
	for _, id := range couponIDs {
		entries = append(entries, models.UserCoupon{
			UserID:    userID,
			CouponID:  id,
			OrderID:   orderID,
			ClaimedAt: now,
		})
	}
	n, err := s.wallet.WithTx(tx).InsertMissing(ctx, entries)
	if err != nil {
		return 0, err
	}
	s.logger.Info("wallet granted",
		zap.String("user_id", userID),
		zap.String("order_id", orderID),
		zap.Int("requested", len(couponIDs)),
		zap.Int64("granted", n))
	return n, nil
}

// Grant is GrantTx in its own transaction.
func (s *WalletService) Grant(ctx context.Context, userID, orderID string, couponIDs []string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = s.GrantTx(ctx, tx, userID, orderID, couponIDs)
		return err
	})
	return n, err
}

// List returns the user's wallet entries.
func (s *WalletService) List(ctx context.Context, userID string) ([]models.UserCoupon, error) {
	return s.wallet.ListByUser(ctx, userID)
}
