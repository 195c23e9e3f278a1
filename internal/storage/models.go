package storage

import (
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
)

// UserResources holds the per-user credit balance.
type UserResources struct {
	UserID      int64 `gorm:"primaryKey;autoIncrement:false"`
	PhotosLeft  int   `gorm:"not null;default:0"`
	AvatarsLeft int   `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (UserResources) TableName() string { return "user_resources" }

// TrainedAvatarRecord 用户训练好的头像模型
type TrainedAvatarRecord struct {
	ID           int64  `gorm:"primaryKey"`
	UserID       int64  `gorm:"index;not null"`
	AvatarName   string `gorm:"not null;default:''"`
	ModelID      string `gorm:"not null;default:''"`
	ModelVersion string `gorm:"not null;default:''"`
	Status       string `gorm:"not null;default:'pending'"`
	TriggerWord  string `gorm:"not null;default:''"`
	Gender       string `gorm:"not null;default:''"`
	IsActive     bool   `gorm:"not null;default:false;index"`
	PredictionID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (TrainedAvatarRecord) TableName() string { return "trained_avatars" }

func (r TrainedAvatarRecord) toModel() models.TrainedAvatar {
	return models.TrainedAvatar{
		AvatarID:     r.ID,
		UserID:       r.UserID,
		ModelID:      r.ModelID,
		ModelVersion: r.ModelVersion,
		Status:       models.AvatarStatus(r.Status),
		TriggerWord:  r.TriggerWord,
		AvatarName:   r.AvatarName,
		Gender:       r.Gender,
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt,
	}
}

// GenerationLog is the audit trail of provider calls.
type GenerationLog struct {
	ID             int64  `gorm:"primaryKey"`
	UserID         int64  `gorm:"index;not null"`
	GenerationType string `gorm:"not null"`
	ModelID        string `gorm:"not null"`
	UnitCount      int    `gorm:"not null"`
	CreatedAt      time.Time
}

func (GenerationLog) TableName() string { return "generation_logs" }

type Rating struct {
	ID             int64 `gorm:"primaryKey"`
	UserID         int64 `gorm:"index;not null"`
	GenerationType string
	ModelKey       string
	Rating         int `gorm:"not null"`
	CreatedAt      time.Time
}

func (Rating) TableName() string { return "ratings" }

// UserSettings 用户偏好设置（目前只有语言）
type UserSettings struct {
	UserID    int64  `gorm:"primaryKey;autoIncrement:false"`
	Language  string `gorm:"not null;default:''"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserSettings) TableName() string { return "user_settings" }
