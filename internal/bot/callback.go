package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	st "github.com/nerdneilsfield/telegram-avatar-bot/internal/storage"
	"go.uber.org/zap"
)

const submitTimeout = 30 * time.Second

func HandleCallbackQuery(callbackQuery *tgbotapi.CallbackQuery, deps BotDeps) {
	userID := callbackQuery.From.ID
	data := callbackQuery.Data
	if callbackQuery.Message == nil {
		deps.Logger.Error("Callback query message is nil", zap.Int64("user_id", userID), zap.String("data", data))
		deps.Sender.Answer(callbackQuery.ID, tr(deps, userID, "callback_error_nil_message"))
		return
	}
	chatID := callbackQuery.Message.Chat.ID
	messageID := callbackQuery.Message.MessageID

	if !deps.Authorizer.IsAllowed(userID) {
		deps.Sender.Answer(callbackQuery.ID, tr(deps, userID, "unauthorized"))
		return
	}

	deps.Logger.Info("Callback received", zap.Int64("user_id", userID), zap.String("data", data), zap.Int64("chat_id", chatID), zap.Int("message_id", messageID))

	switch {
	case data == cbNoop:
		deps.Sender.Answer(callbackQuery.ID, "")
	case data == cbCancel:
		cancelRequest(deps, userID)
		deps.Sender.Answer(callbackQuery.ID, "")
		editMessage(deps, chatID, messageID, tr(deps, userID, "generation_cancelled"), nil)
	case strings.HasPrefix(data, cbAspect):
		handleAspectCallback(callbackQuery, chatID, messageID, deps)
	case strings.HasPrefix(data, cbConfirm):
		handleConfirmCallback(callbackQuery, chatID, messageID, deps)
	case strings.HasPrefix(data, cbRate):
		handleRatingCallback(callbackQuery, chatID, messageID, deps)
	case strings.HasPrefix(data, cbAvatar):
		handleAvatarCallback(callbackQuery, chatID, messageID, deps)
	case strings.HasPrefix(data, cbAdminRegen):
		handleAdminRegenCallback(callbackQuery, chatID, deps)
	case strings.HasPrefix(data, cbStyle):
		handleStyleCallback(callbackQuery, chatID, messageID, deps)
	case strings.HasPrefix(data, cbLang):
		handleLanguageCallback(callbackQuery, chatID, messageID, deps)
	default:
		deps.Logger.Warn("Unhandled callback data", zap.String("data", data), zap.Int64("user_id", userID))
		deps.Sender.Answer(callbackQuery.ID, tr(deps, userID, "callback_error_unknown"))
	}
}

func editMessage(deps BotDeps, chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := deps.Sender.Edit(ctx, chatID, messageID, text, kb); err != nil {
		deps.Logger.Warn("Failed to edit message", zap.Int64("chat_id", chatID), zap.Int("message_id", messageID), zap.Error(err))
	}
}

// sessionFor 返回回调所属的会话；会话过期时提示用户重新开始
func sessionFor(cq *tgbotapi.CallbackQuery, chatID int64, messageID int, deps BotDeps) (*UserState, bool) {
	userID := cq.From.ID
	state, ok := deps.StateManager.GetState(userID)
	if !ok {
		deps.Logger.Warn("Received callback but no state found or state expired", zap.Int64("user_id", userID), zap.String("data", cq.Data))
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_error_state_expired"))
		editMessage(deps, chatID, messageID, tr(deps, userID, "callback_error_state_expired"), nil)
		return nil, false
	}
	return state, true
}

func handleAspectCallback(cq *tgbotapi.CallbackQuery, chatID int64, messageID int, deps BotDeps) {
	userID := cq.From.ID
	ratio := strings.TrimPrefix(cq.Data, cbAspect)
	if !generation.KnownAspectRatio(ratio) {
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_error_unknown"))
		return
	}
	state, ok := sessionFor(cq, chatID, messageID, deps)
	if !ok {
		return
	}
	if state.Action() != actionAwaitingAspect {
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_error_state_expired"))
		return
	}

	state.Update(func(d *generation.SessionData) { d.AspectRatio = ratio })
	snap := state.Snapshot()
	deps.Sender.Answer(cq.ID, "")

	summary := tr(deps, userID, "confirm_summary",
		"type", tr(deps, userID, "type_"+string(snap.GenerationType)),
		"aspect", ratio,
		"prompt", snap.UserInput)
	if snap.IsAdminGeneration && snap.AdminGenerationForUser != 0 {
		summary += "\n" + tr(deps, userID, "confirm_admin_target", "target", snap.AdminGenerationForUser)
	}
	kb := confirmKeyboard(confirmOptions(deps, userID, snap.GenerationType, snap.ModelKey), tr(deps, userID, "button_cancel"))
	editMessage(deps, chatID, messageID, summary, &kb)
	state.SetAction(actionAwaitingConfirm, chatID, messageID)
}

func handleConfirmCallback(cq *tgbotapi.CallbackQuery, chatID int64, messageID int, deps BotDeps) {
	userID := cq.From.ID
	outputs, err := strconv.Atoi(strings.TrimPrefix(cq.Data, cbConfirm))
	if err != nil || outputs < 1 {
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_error_unknown"))
		return
	}
	state, ok := sessionFor(cq, chatID, messageID, deps)
	if !ok {
		return
	}
	if !state.CompareAndSetAction(actionAwaitingConfirm, actionNone) {
		// 重复点击
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_already_submitted"))
		return
	}
	deps.Sender.Answer(cq.ID, "")
	editMessage(deps, chatID, messageID, tr(deps, userID, "generation_submitting"), nil)

	submit(deps, state, outputs, chatID, messageID)
}

// submit 把会话交给生成管道；拒绝原因已由管道通知用户
func submit(deps BotDeps, state *UserState, outputs int, chatID int64, messageID int) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	err := deps.Orchestrator.Submit(ctx, state, outputs)
	if err == nil {
		// 参考图已交给任务，由任务负责删除
		state.Update(func(d *generation.SessionData) { d.PhotoPath = "" })
		return
	}
	deps.Logger.Info("Generation request rejected", zap.Int64("user_id", state.UserID()), zap.Error(err))
	if retryable(err) && messageID != 0 {
		state.SetAction(actionAwaitingConfirm, chatID, messageID)
	}
}

// retryable 表示用户可以直接再次确认同一个请求
func retryable(err error) bool {
	return errors.Is(err, generation.ErrCooldown) ||
		errors.Is(err, generation.ErrQueueFull) ||
		errors.Is(err, generation.ErrInsufficientBalance)
}

func handleRatingCallback(cq *tgbotapi.CallbackQuery, chatID int64, messageID int, deps BotDeps) {
	userID := cq.From.ID
	generationType, modelKey, rating, err := parseRatingData(cq.Data)
	if err != nil {
		deps.Logger.Warn("Bad rating callback", zap.Error(err))
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_error_unknown"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := deps.Store.AddRating(ctx, userID, generationType, modelKey, rating); err != nil {
		deps.Logger.Error("Failed to save rating", zap.Int64("user_id", userID), zap.Error(err))
		deps.Sender.Answer(cq.ID, tr(deps, userID, "error_generic"))
		return
	}
	deps.Sender.Answer(cq.ID, tr(deps, userID, "rating_thanks", "rating", rating))

	// 评分后移除按钮
	rm := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	if _, err := deps.Bot.Request(rm); err != nil && !isNotModified(err) {
		deps.Logger.Debug("Failed to remove rating keyboard", zap.Error(err))
	}
}

func handleAvatarCallback(cq *tgbotapi.CallbackQuery, chatID int64, messageID int, deps BotDeps) {
	userID := cq.From.ID
	avatarID, err := parseIDSuffix(cq.Data, cbAvatar)
	if err != nil {
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_error_unknown"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := deps.Store.SetActiveAvatar(ctx, userID, avatarID); err != nil {
		if errors.Is(err, st.ErrAvatarNotFound) {
			deps.Sender.Answer(cq.ID, tr(deps, userID, "avatar_not_found"))
			return
		}
		deps.Logger.Error("Failed to switch avatar", zap.Int64("user_id", userID), zap.Int64("avatar_id", avatarID), zap.Error(err))
		deps.Sender.Answer(cq.ID, tr(deps, userID, "error_generic"))
		return
	}
	deps.Orchestrator.Resolver().Invalidate(userID)
	deps.Sender.Answer(cq.ID, tr(deps, userID, "avatar_switched"))

	avatars, err := deps.Store.ListAvatars(ctx, userID)
	if err != nil {
		deps.Logger.Warn("Failed to reload avatars", zap.Error(err))
		return
	}
	kb := avatarsKeyboard(avatars, tr(deps, userID, "button_checkmark"))
	editMessage(deps, chatID, messageID, tr(deps, userID, "avatars_choose"), &kb)
}

// handleAdminRegenCallback 用管理员上一次代生成的参数再为同一用户生成一次
func handleAdminRegenCallback(cq *tgbotapi.CallbackQuery, chatID int64, deps BotDeps) {
	adminID := cq.From.ID
	if !deps.Authorizer.IsAdmin(adminID) {
		deps.Sender.Answer(cq.ID, tr(deps, adminID, "admin_only"))
		return
	}
	target, err := parseIDSuffix(cq.Data, cbAdminRegen)
	if err != nil {
		deps.Sender.Answer(cq.ID, tr(deps, adminID, "callback_error_unknown"))
		return
	}
	state := deps.StateManager.Session(adminID)
	var outputs int
	var replayed bool
	state.Update(func(d *generation.SessionData) {
		if d.LastGeneration == nil || d.LastGeneration.TargetUserID != target {
			return
		}
		outputs = d.LastGeneration.Outputs
		replayed = replayLastGeneration(d)
		d.IsAdminGeneration = true
		d.AdminGenerationForUser = target
		d.OriginalAdminUser = adminID
	})
	if !replayed {
		deps.Sender.Answer(cq.ID, tr(deps, adminID, "admin_regen_unavailable"))
		return
	}
	deps.Sender.Answer(cq.ID, tr(deps, adminID, "admin_regen_started", "target", target))
	deps.Logger.Info("Admin regeneration", zap.Int64("admin_id", adminID), zap.Int64("target_user_id", target))
	submit(deps, state, outputs, chatID, 0)
}

func handleStyleCallback(cq *tgbotapi.CallbackQuery, chatID int64, messageID int, deps BotDeps) {
	userID := cq.From.ID
	idx, err := strconv.Atoi(strings.TrimPrefix(cq.Data, cbStyle))
	if err != nil || idx < 0 || idx >= len(deps.Config.Styles) {
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_error_unknown"))
		return
	}
	style := deps.Config.Styles[idx]
	state := deps.StateManager.Session(userID)
	prepareRequest(deps, state, func(d *generation.SessionData) {
		d.GenerationType = models.TypeWithAvatar
		d.ModelKey = generation.ModelFluxTrained
		d.Prompt = style.Prompt
		d.UserInput = style.Name
		d.StyleName = style.Name
		d.CurrentStyleSet = style.StyleSet
		d.SelectedGender = style.Gender
	})
	deps.Sender.Answer(cq.ID, "")

	kb := aspectRatioKeyboard(models.TypeWithAvatar, tr(deps, userID, "button_cancel"))
	editMessage(deps, chatID, messageID, tr(deps, userID, "aspect_ratio_choose"), &kb)
	state.SetAction(actionAwaitingAspect, chatID, messageID)
}

func handleLanguageCallback(cq *tgbotapi.CallbackQuery, chatID int64, messageID int, deps BotDeps) {
	userID := cq.From.ID
	code := strings.TrimPrefix(cq.Data, cbLang)
	if !deps.I18n.HasLanguage(code) {
		deps.Sender.Answer(cq.ID, tr(deps, userID, "callback_error_unknown"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := st.SetUserLanguage(ctx, deps.DB, userID, code); err != nil {
		deps.Sender.Answer(cq.ID, tr(deps, userID, "error_generic"))
		return
	}
	deps.Sender.Answer(cq.ID, "")
	editMessage(deps, chatID, messageID, tr(deps, userID, "language_set"), nil)
}
