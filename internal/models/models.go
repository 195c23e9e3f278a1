package models

import "time"

// GenerationType 决定下游模型和扣费规则
type GenerationType string

const (
	TypeWithAvatar   GenerationType = "with_avatar"
	TypePhotoToPhoto GenerationType = "photo_to_photo"
	TypeAIVideo      GenerationType = "ai_video"
	TypeAIVideoV2    GenerationType = "ai_video_v2"
	TypePromptAssist GenerationType = "prompt_assist"
)

// Valid reports whether t is one of the known generation types.
func (t GenerationType) Valid() bool {
	switch t {
	case TypeWithAvatar, TypePhotoToPhoto, TypeAIVideo, TypeAIVideoV2, TypePromptAssist:
		return true
	}
	return false
}

// NeedsAvatar reports whether jobs of this type run on the user's trained avatar.
func (t GenerationType) NeedsAvatar() bool {
	return t == TypeWithAvatar || t == TypePhotoToPhoto || t == TypePromptAssist
}

func (t GenerationType) IsVideo() bool {
	return t == TypeAIVideo || t == TypeAIVideoV2
}

// AvatarStatus mirrors the training status reported by the provider.
type AvatarStatus string

const (
	AvatarPending    AvatarStatus = "pending"
	AvatarStarting   AvatarStatus = "starting"
	AvatarProcessing AvatarStatus = "processing"
	AvatarSuccess    AvatarStatus = "success"
	AvatarFailed     AvatarStatus = "failed"
	AvatarError      AvatarStatus = "error"
	AvatarEmpty      AvatarStatus = "empty"
)

// TrainedAvatar is the user's trained model as seen by the generation pipeline.
type TrainedAvatar struct {
	AvatarID     int64
	UserID       int64
	ModelID      string
	ModelVersion string
	Status       AvatarStatus
	TriggerWord  string
	AvatarName   string
	Gender       string
	IsActive     bool
	CreatedAt    time.Time
}

// Usable reports whether the avatar may be used as generation input.
func (a *TrainedAvatar) Usable() bool {
	return a != nil && a.Status == AvatarSuccess && a.ModelID != ""
}

// LedgerOp is one of the four atomic balance operations.
type LedgerOp string

const (
	DecrementPhoto  LedgerOp = "decrement_photo"
	IncrementPhoto  LedgerOp = "increment_photo"
	DecrementAvatar LedgerOp = "decrement_avatar"
	IncrementAvatar LedgerOp = "increment_avatar"
)

// Balance is a user's remaining credits.
type Balance struct {
	UserID      int64
	PhotosLeft  int
	AvatarsLeft int
}
