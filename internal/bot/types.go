package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/auth"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/i18n"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/storage"
	"github.com/nerdneilsfield/telegram-avatar-bot/pkg/replicate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BotDeps 包含 Bot 运行所需的所有依赖
type BotDeps struct {
	Bot          *tgbotapi.BotAPI
	Config       *config.Config
	DB           *gorm.DB
	Ledger       *storage.Ledger
	Store        *storage.Store
	Replicate    *replicate.Client
	Orchestrator *generation.Orchestrator
	Inputs       *generation.Downloader // 用户上传的参考图
	Sender       *Sender
	StateManager *StateManager
	Authorizer   *auth.Authorizer
	I18n         *i18n.Manager
	Logger       *zap.Logger
	Version      string
	BuildDate    string
}

// Session actions
const (
	actionNone              = ""
	actionAwaitingVideo     = "awaiting_video_prompt"
	actionAwaitingAssist    = "awaiting_assist_idea"
	actionAwaitingAspect    = "awaiting_aspect_ratio"
	actionAwaitingConfirm   = "awaiting_confirmation"
	actionAwaitingGenForMsg = "awaiting_admin_prompt"
)

// callback data prefixes
const (
	cbAspect     = "aspect_"
	cbConfirm    = "confirm_generation:"
	cbCancel     = "cancel_generation"
	cbRate       = "rate:"
	cbAvatar     = "avatar_select:"
	cbAdminRegen = "admin_regen:"
	cbStyle      = "style_"
	cbLang       = "lang_"
	cbNoop       = "noop"
)
