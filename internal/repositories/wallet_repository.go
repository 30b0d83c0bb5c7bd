package repositories

import (
	"context"
	"fmt"

	"kupon/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WalletRepository defines the interface for wallet data access.
type WalletRepository interface {
	// InsertMissing stores the entries that do not exist yet and returns how many were inserted.
	InsertMissing(ctx context.Context, entries []models.UserCoupon) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]models.UserCoupon, error)
	WithTx(tx *gorm.DB) WalletRepository
}

// GORMWalletRepository is a GORM implementation of WalletRepository.
type GORMWalletRepository struct {
	db *gorm.DB
}

// NewGORMWalletRepository creates a new instance of GORMWalletRepository.
func NewGORMWalletRepository(db *gorm.DB) *GORMWalletRepository {
	return &GORMWalletRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *GORMWalletRepository) WithTx(tx *gorm.DB) WalletRepository {
	return &GORMWalletRepository{db: tx}
}

// InsertMissing relies on the (user_id, coupon_id) unique index to skip entries already held.
func (r *GORMWalletRepository) InsertMissing(ctx context.Context, entries []models.UserCoupon) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.New().String()
		}
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entries)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert wallet entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListByUser returns the user's wallet, most recent first.
func (r *GORMWalletRepository) ListByUser(ctx context.Context, userID string) ([]models.UserCoupon, error) {
	var entries []models.UserCoupon
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("claimed_at desc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list wallet of user %s: %w", userID, err)
	}
	return entries, nil
}
