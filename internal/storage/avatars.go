package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"gorm.io/gorm"
)

var ErrAvatarNotFound = errors.New("avatar not found")

// Store bundles the non-ledger tables: avatars, audit log, ratings.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetActiveTrainedModel returns the user's active avatar or nil when none is selected.
// The status is returned as stored; callers decide usability.
func (s *Store) GetActiveTrainedModel(ctx context.Context, userID int64) (*models.TrainedAvatar, error) {
	var rec TrainedAvatarRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active avatar: %w", err)
	}
	avatar := rec.toModel()
	return &avatar, nil
}

func (s *Store) ListAvatars(ctx context.Context, userID int64) ([]models.TrainedAvatar, error) {
	var recs []TrainedAvatarRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list avatars: %w", err)
	}
	out := make([]models.TrainedAvatar, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

// SetActiveAvatar 切换当前头像，同一用户只能有一个激活的头像
func (s *Store) SetActiveAvatar(ctx context.Context, userID, avatarID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec TrainedAvatarRecord
		err := tx.Where("id = ? AND user_id = ?", avatarID, userID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAvatarNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load avatar: %w", err)
		}
		if err := tx.Model(&TrainedAvatarRecord{}).Where("user_id = ?", userID).Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to reset active avatar: %w", err)
		}
		if err := tx.Model(&TrainedAvatarRecord{}).Where("id = ?", avatarID).Update("is_active", true).Error; err != nil {
			return fmt.Errorf("failed to activate avatar: %w", err)
		}
		return nil
	})
}

// RegisterAvatar stores an avatar trained outside the bot and makes it active.
func (s *Store) RegisterAvatar(ctx context.Context, avatar models.TrainedAvatar) (int64, error) {
	rec := TrainedAvatarRecord{
		UserID:       avatar.UserID,
		AvatarName:   avatar.AvatarName,
		ModelID:      avatar.ModelID,
		ModelVersion: avatar.ModelVersion,
		Status:       string(avatar.Status),
		TriggerWord:  avatar.TriggerWord,
		Gender:       avatar.Gender,
	}
	if rec.Status == "" {
		rec.Status = string(models.AvatarSuccess)
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("failed to register avatar: %w", err)
	}
	if err := s.SetActiveAvatar(ctx, avatar.UserID, rec.ID); err != nil {
		return rec.ID, err
	}
	return rec.ID, nil
}

// LogGeneration appends to the generation audit trail.
func (s *Store) LogGeneration(ctx context.Context, userID int64, generationType models.GenerationType, modelID string, units int) error {
	entry := GenerationLog{
		UserID:         userID,
		GenerationType: string(generationType),
		ModelID:        modelID,
		UnitCount:      units,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to log generation: %w", err)
	}
	return nil
}

func (s *Store) CountGenerations(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&GenerationLog{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (s *Store) AddRating(ctx context.Context, userID int64, generationType, modelKey string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating must be within 1..5, got %d", rating)
	}
	r := Rating{UserID: userID, GenerationType: generationType, ModelKey: modelKey, Rating: rating}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return fmt.Errorf("failed to save rating: %w", err)
	}
	return nil
}
