package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger 管理用户的照片/头像额度。每次变更都是单条 SQL 语句，依赖数据库的原子性。
type Ledger struct {
	db             *gorm.DB
	initialPhotos  int
	initialAvatars int
	logger         *zap.Logger
}

func NewLedger(db *gorm.DB, initialPhotos, initialAvatars int, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:             db,
		initialPhotos:  initialPhotos,
		initialAvatars: initialAvatars,
		logger:         logger.Named("ledger"),
	}
}

// EnsureUser creates the balance row with the configured starting credits.
// It reports whether a new row was created.
func (l *Ledger) EnsureUser(ctx context.Context, userID int64) (bool, error) {
	row := UserResources{
		UserID:      userID,
		PhotosLeft:  l.initialPhotos,
		AvatarsLeft: l.initialAvatars,
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create balance record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		l.logger.Info("Created balance record", zap.Int64("user_id", userID), zap.Int("photos_left", l.initialPhotos))
		return true, nil
	}
	return false, nil
}

// Balance 获取用户余额；用户不存在时返回零余额
func (l *Ledger) Balance(ctx context.Context, userID int64) (models.Balance, error) {
	var row UserResources
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Balance{UserID: userID}, nil
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("database error reading balance: %w", err)
	}
	return models.Balance{UserID: userID, PhotosLeft: row.PhotosLeft, AvatarsLeft: row.AvatarsLeft}, nil
}

// Update applies one ledger operation atomically. A decrement succeeds only when the
// balance covers the whole amount; an increment always succeeds and creates the row if needed.
func (l *Ledger) Update(ctx context.Context, userID int64, op models.LedgerOp, amount int) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("ledger amount must be positive, got %d", amount)
	}

	var column string
	var decrement bool
	switch op {
	case models.DecrementPhoto:
		column, decrement = "photos_left", true
	case models.IncrementPhoto:
		column = "photos_left"
	case models.DecrementAvatar:
		column, decrement = "avatars_left", true
	case models.IncrementAvatar:
		column = "avatars_left"
	default:
		return false, fmt.Errorf("unknown ledger operation %q", op)
	}

	now := time.Now()
	if decrement {
		res := l.db.WithContext(ctx).Model(&UserResources{}).
			Where("user_id = ? AND "+column+" >= ?", userID, amount).
			Updates(map[string]interface{}{
				column:       gorm.Expr(column+" - ?", amount),
				"updated_at": now,
			})
		if res.Error != nil {
			return false, fmt.Errorf("failed to %s: %w", op, res.Error)
		}
		ok := res.RowsAffected == 1
		l.logger.Debug("Ledger decrement", zap.Int64("user_id", userID), zap.String("op", string(op)), zap.Int("amount", amount), zap.Bool("applied", ok))
		return ok, nil
	}

	row := UserResources{UserID: userID, PhotosLeft: l.initialPhotos, AvatarsLeft: l.initialAvatars}
	if column == "photos_left" {
		row.PhotosLeft += amount
	} else {
		row.AvatarsLeft += amount
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column:       gorm.Expr(column+" + ?", amount),
			"updated_at": now,
		}),
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to %s: %w", op, res.Error)
	}
	l.logger.Debug("Ledger increment", zap.Int64("user_id", userID), zap.String("op", string(op)), zap.Int("amount", amount))
	return true, nil
}
