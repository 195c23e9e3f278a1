package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetUserLanguage 返回用户选择的语言，未设置时返回空字符串
func GetUserLanguage(ctx context.Context, db *gorm.DB, userID int64) (string, error) {
	var settings UserSettings
	result := db.WithContext(ctx).First(&settings, "user_id = ?", userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", nil
		}
		zap.L().Error("Failed to get user settings from DB", zap.Error(result.Error), zap.Int64("userID", userID))
		return "", result.Error
	}
	return settings.Language, nil
}

// SetUserLanguage 使用 Upsert 保存用户语言
func SetUserLanguage(ctx context.Context, db *gorm.DB, userID int64, language string) error {
	settings := UserSettings{UserID: userID, Language: language}
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"language", "updated_at"}),
	}).Create(&settings)
	if result.Error != nil {
		zap.L().Error("Failed to set user language", zap.Error(result.Error), zap.Int64("userID", userID))
		return result.Error
	}
	zap.L().Info("Saved user language", zap.Int64("userID", userID), zap.String("language", language))
	return nil
}
