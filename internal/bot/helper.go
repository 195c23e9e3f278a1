package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/i18n"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	st "github.com/nerdneilsfield/telegram-avatar-bot/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dbTimeout = 5 * time.Second

// languageFor retrieves the user's preferred language code.
// Returns nil if no preference is set or an error occurs, allowing fallback to default.
func languageFor(db *gorm.DB, logger *zap.Logger, userID int64) *string {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	lang, err := st.GetUserLanguage(ctx, db, userID)
	if err != nil {
		logger.Error("Failed to get language preference", zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	if lang == "" {
		return nil
	}
	return &lang
}

func getUserLanguagePreference(userID int64, deps BotDeps) *string {
	return languageFor(deps.DB, deps.Logger, userID)
}

// Texts 实现 generation.Texts，按用户语言渲染文案
type Texts struct {
	I18n   *i18n.Manager
	DB     *gorm.DB
	Logger *zap.Logger
}

func (t Texts) Text(userID int64, key string, args ...interface{}) string {
	return t.I18n.T(languageFor(t.DB, t.Logger, userID), key, args...)
}

func tr(deps BotDeps, userID int64, key string, args ...interface{}) string {
	return deps.I18n.T(getUserLanguagePreference(userID, deps), key, args...)
}

// reply 发送纯文本，错误只记录日志
func reply(deps BotDeps, chatID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := deps.Sender.Reply(ctx, chatID, text, nil); err != nil {
		deps.Logger.Error("Failed to send reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

// confirmOptions 返回确认键盘的可选数量，只有头像照片允许选择张数
func confirmOptions(deps BotDeps, userID int64, t models.GenerationType, modelKey string) []confirmOption {
	catalog := deps.Orchestrator.Catalog()
	if t != models.TypeWithAvatar {
		cost := catalog.Cost(t, modelKey, 1)
		return []confirmOption{{Label: tr(deps, userID, "button_confirm", "cost", cost), Outputs: 1}}
	}
	counts := []int{1, 2, 4}
	opts := make([]confirmOption, 0, len(counts))
	for _, n := range counts {
		opts = append(opts, confirmOption{
			Label:   tr(deps, userID, "button_confirm_count", "count", n, "cost", catalog.Cost(t, modelKey, n)),
			Outputs: n,
		})
	}
	return opts
}

// replayLastGeneration 将上一次成功生成的参数写回会话
func replayLastGeneration(d *generation.SessionData) bool {
	lg := d.LastGeneration
	if lg == nil {
		return false
	}
	d.GenerationType = lg.GenerationType
	d.ModelKey = lg.ModelKey
	d.Prompt = lg.Prompt
	d.UserInput = lg.UserInput
	d.CameFromCustomPrompt = lg.CustomPrompt
	d.AspectRatio = lg.AspectRatio
	d.ReferenceImageURL = lg.ReferenceImageURL
	d.PhotoPath = ""
	return true
}
