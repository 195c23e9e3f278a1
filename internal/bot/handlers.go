package bot

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
)

const (
	assistTimeout = 2 * time.Minute
	uploadTimeout = 2 * time.Minute
)

const assistSystemPrompt = "You write prompts for a photorealistic portrait generator. " +
	"Rewrite the user's idea as one detailed English prompt describing the scene, clothing, lighting and camera. " +
	"Do not mention the person's name. Reply with the prompt only."

// Helper to send generic error message and log details
func sendGenericError(chatID int64, userID int64, operation string, err error, deps BotDeps) {
	deps.Logger.Error("Operation failed", zap.String("operation", operation), zap.Error(err), zap.Int64("user_id", userID))
	reply(deps, chatID, tr(deps, userID, "error_generic"))
}

func HandleUpdate(update tgbotapi.Update, deps BotDeps) {
	defer func() {
		if r := recover(); r != nil {
			errMsg := fmt.Sprintf("%v", r)
			stackTrace := string(debug.Stack())
			deps.Logger.Error("Panic recovered in HandleUpdate", zap.Any("panic_value", errMsg), zap.String("stack", stackTrace))

			var chatID int64
			var userID int64
			if update.Message != nil {
				chatID = update.Message.Chat.ID
				userID = update.Message.From.ID
			} else if update.CallbackQuery != nil {
				userID = update.CallbackQuery.From.ID
				if update.CallbackQuery.Message != nil {
					chatID = update.CallbackQuery.Message.Chat.ID
				}
			}

			if chatID != 0 {
				if deps.Authorizer.IsAdmin(userID) {
					detailedMsg := fmt.Sprintf("☢️ PANIC RECOVERED ☢️\nUser: %d\nError: %s\n\nTraceback:\n%s", userID, errMsg, stackTrace)
					const maxLen = 4000
					if len(detailedMsg) > maxLen {
						detailedMsg = detailedMsg[:maxLen] + "\n...(truncated)"
					}
					deps.Bot.Send(tgbotapi.NewMessage(chatID, detailedMsg))
				} else {
					deps.Bot.Send(tgbotapi.NewMessage(chatID, tr(deps, userID, "error_generic")))
				}
			}
		}
	}()

	if update.Message != nil && update.Message.From != nil {
		HandleMessage(update.Message, deps)
	} else if update.CallbackQuery != nil {
		HandleCallbackQuery(update.CallbackQuery, deps)
	}
}

func HandleMessage(message *tgbotapi.Message, deps BotDeps) {
	userID := message.From.ID
	chatID := message.Chat.ID

	if !deps.Authorizer.IsAllowed(userID) {
		deps.Logger.Info("Unauthorized access attempt", zap.Int64("user_id", userID), zap.String("username", message.From.UserName))
		reply(deps, chatID, tr(deps, userID, "unauthorized"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	created, err := deps.Ledger.EnsureUser(ctx, userID)
	cancel()
	if err != nil {
		sendGenericError(chatID, userID, "ensure user", err, deps)
		return
	}

	if message.IsCommand() {
		HandleCommand(message, created, deps)
		return
	}
	if len(message.Photo) > 0 {
		HandlePhotoMessage(message, deps)
		return
	}
	if strings.TrimSpace(message.Text) != "" {
		HandleTextMessage(message, deps)
		return
	}
	reply(deps, chatID, tr(deps, userID, "unsupported_message"))
}

func HandleCommand(message *tgbotapi.Message, newUser bool, deps BotDeps) {
	userID := message.From.ID
	chatID := message.Chat.ID
	args := strings.TrimSpace(message.CommandArguments())
	isAdmin := deps.Authorizer.IsAdmin(userID)

	switch message.Command() {
	case "start":
		if newUser {
			reply(deps, chatID, tr(deps, userID, "welcome_new", "photos", deps.Config.Balance.InitialPhotos))
		} else {
			reply(deps, chatID, tr(deps, userID, "welcome"))
		}
	case "help":
		HandleHelpCommand(chatID, userID, deps)
	case "balance":
		HandleBalanceCommand(chatID, userID, deps)
	case "avatars":
		HandleAvatarsCommand(chatID, userID, deps)
	case "styles":
		if len(deps.Config.Styles) == 0 {
			reply(deps, chatID, tr(deps, userID, "styles_none"))
			return
		}
		kb := styleKeyboard(deps.Config.Styles)
		sendKeyboard(deps, chatID, tr(deps, userID, "styles_choose"), kb)
	case "video", "video2":
		t := models.TypeAIVideo
		if message.Command() == "video2" {
			t = models.TypeAIVideoV2
		}
		state := deps.StateManager.Session(userID)
		prepareRequest(deps, state, func(d *generation.SessionData) {
			d.GenerationType = t
			d.ModelKey, _ = generation.ModelKeyForType(t)
		})
		if args == "" {
			state.SetAction(actionAwaitingVideo, chatID, 0)
			reply(deps, chatID, tr(deps, userID, "video_prompt_request"))
			return
		}
		state.Update(func(d *generation.SessionData) {
			d.Prompt = args
			d.UserInput = args
			d.CameFromCustomPrompt = true
		})
		askAspectRatio(deps, chatID, state)
	case "assist":
		state := deps.StateManager.Session(userID)
		if args == "" {
			state.SetAction(actionAwaitingAssist, chatID, 0)
			reply(deps, chatID, tr(deps, userID, "assist_request"))
			return
		}
		runAssist(deps, chatID, state, args)
	case "cancel":
		cancelRequest(deps, userID)
		reply(deps, chatID, tr(deps, userID, "generation_cancelled"))
	case "language":
		codes := deps.I18n.GetAvailableLanguages()
		kb := languageKeyboard(codes, func(code string) string {
			name, _ := deps.I18n.GetLanguageName(code)
			return name
		})
		sendKeyboard(deps, chatID, tr(deps, userID, "language_choose"), kb)
	case "version":
		reply(deps, chatID, tr(deps, userID, "version_info", "version", deps.Version, "date", deps.BuildDate))
	case "genfor":
		if !isAdmin {
			reply(deps, chatID, tr(deps, userID, "admin_only"))
			return
		}
		HandleGenForCommand(chatID, userID, args, deps)
	case "grant":
		if !isAdmin {
			reply(deps, chatID, tr(deps, userID, "admin_only"))
			return
		}
		HandleGrantCommand(chatID, userID, args, deps)
	case "addavatar":
		if !isAdmin {
			reply(deps, chatID, tr(deps, userID, "admin_only"))
			return
		}
		HandleAddAvatarCommand(chatID, userID, args, deps)
	case "queue":
		if !isAdmin {
			reply(deps, chatID, tr(deps, userID, "admin_only"))
			return
		}
		depth, capacity := deps.Orchestrator.QueueStats()
		reply(deps, chatID, tr(deps, userID, "queue_stats", "depth", depth, "capacity", capacity, "sessions", deps.StateManager.Len()))
	default:
		reply(deps, chatID, tr(deps, userID, "unknown_command"))
	}
}

func HandleHelpCommand(chatID, userID int64, deps BotDeps) {
	text := tr(deps, userID, "help_text")
	if deps.Authorizer.IsAdmin(userID) {
		text += "\n\n" + tr(deps, userID, "help_admin_text")
	}
	reply(deps, chatID, text)
}

func HandleBalanceCommand(chatID, userID int64, deps BotDeps) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	bal, err := deps.Ledger.Balance(ctx, userID)
	if err != nil {
		sendGenericError(chatID, userID, "balance", err, deps)
		return
	}
	reply(deps, chatID, tr(deps, userID, "balance_info", "photos", bal.PhotosLeft, "avatars", bal.AvatarsLeft))

	if deps.Authorizer.IsAdmin(userID) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			acc, err := deps.Replicate.GetAccount(ctx)
			if err != nil {
				deps.Logger.Error("Failed to get provider account", zap.Error(err), zap.Int64("user_id", userID))
				reply(deps, chatID, tr(deps, userID, "admin_account_failed"))
				return
			}
			reply(deps, chatID, tr(deps, userID, "admin_account", "username", acc.Username, "type", acc.Type))
		}()
	}
}

func HandleAvatarsCommand(chatID, userID int64, deps BotDeps) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	avatars, err := deps.Store.ListAvatars(ctx, userID)
	if err != nil {
		sendGenericError(chatID, userID, "list avatars", err, deps)
		return
	}
	if len(avatars) == 0 {
		reply(deps, chatID, tr(deps, userID, "avatars_none"))
		return
	}
	sendKeyboard(deps, chatID, tr(deps, userID, "avatars_choose"), avatarsKeyboard(avatars, tr(deps, userID, "button_checkmark")))
}

// HandleGenForCommand 让管理员以目标用户的头像生成，结果同时发给两人
func HandleGenForCommand(chatID, adminID int64, args string, deps BotDeps) {
	target, err := parseUserID(args)
	if err != nil {
		reply(deps, chatID, tr(deps, adminID, "genfor_usage"))
		return
	}
	if target == deps.Bot.Self.ID || target == adminID {
		reply(deps, chatID, tr(deps, adminID, "error_invalid_target"))
		return
	}
	state := deps.StateManager.Session(adminID)
	prepareRequest(deps, state, nil)
	state.Update(func(d *generation.SessionData) {
		d.IsAdminGeneration = true
		d.AdminGenerationForUser = target
		d.OriginalAdminUser = adminID
	})
	state.SetAction(actionAwaitingGenForMsg, chatID, 0)
	deps.Logger.Info("Admin generation armed", zap.Int64("admin_id", adminID), zap.Int64("target_user_id", target))
	reply(deps, chatID, tr(deps, adminID, "genfor_ready", "target", target))
}

func HandleGrantCommand(chatID, adminID int64, args string, deps BotDeps) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		reply(deps, chatID, tr(deps, adminID, "grant_usage"))
		return
	}
	target, err := parseUserID(fields[0])
	if err != nil {
		reply(deps, chatID, tr(deps, adminID, "grant_usage"))
		return
	}
	amount, err := strconv.Atoi(fields[1])
	if err != nil || amount <= 0 {
		reply(deps, chatID, tr(deps, adminID, "grant_usage"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if _, err := deps.Ledger.Update(ctx, target, models.IncrementPhoto, amount); err != nil {
		sendGenericError(chatID, adminID, "grant", err, deps)
		return
	}
	bal, err := deps.Ledger.Balance(ctx, target)
	if err != nil {
		sendGenericError(chatID, adminID, "grant balance", err, deps)
		return
	}
	deps.Logger.Info("Admin granted photos", zap.Int64("admin_id", adminID), zap.Int64("target_user_id", target), zap.Int("amount", amount))
	reply(deps, chatID, tr(deps, adminID, "grant_done", "target", target, "amount", amount, "balance", bal.PhotosLeft))
}

// HandleAddAvatarCommand 登记一个已在外部训练好的头像:
// /addavatar <user_id> <owner/model[:version]> <trigger_word> [gender] [name...]
func HandleAddAvatarCommand(chatID, adminID int64, args string, deps BotDeps) {
	fields := strings.Fields(args)
	if len(fields) < 3 {
		reply(deps, chatID, tr(deps, adminID, "addavatar_usage"))
		return
	}
	owner, err := parseUserID(fields[0])
	if err != nil {
		reply(deps, chatID, tr(deps, adminID, "addavatar_usage"))
		return
	}
	modelID, version, _ := strings.Cut(fields[1], ":")
	avatar := models.TrainedAvatar{
		UserID:       owner,
		ModelID:      modelID,
		ModelVersion: version,
		TriggerWord:  fields[2],
		Status:       models.AvatarSuccess,
		AvatarName:   fields[2],
	}
	if len(fields) > 3 {
		avatar.Gender = fields[3]
	}
	if len(fields) > 4 {
		avatar.AvatarName = strings.Join(fields[4:], " ")
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	id, err := deps.Store.RegisterAvatar(ctx, avatar)
	if err != nil {
		sendGenericError(chatID, adminID, "register avatar", err, deps)
		return
	}
	deps.Orchestrator.Resolver().Invalidate(owner)
	reply(deps, chatID, tr(deps, adminID, "addavatar_done", "id", id, "target", owner))
}

func HandleTextMessage(message *tgbotapi.Message, deps BotDeps) {
	userID := message.From.ID
	chatID := message.Chat.ID
	text := strings.TrimSpace(message.Text)
	state := deps.StateManager.Session(userID)

	switch state.Action() {
	case actionAwaitingAssist:
		runAssist(deps, chatID, state, text)
	case actionAwaitingVideo:
		state.Update(func(d *generation.SessionData) {
			d.Prompt = text
			d.UserInput = text
			d.CameFromCustomPrompt = true
		})
		askAspectRatio(deps, chatID, state)
	default:
		// 任意文本视为头像照片的自定义描述
		prepareRequest(deps, state, func(d *generation.SessionData) {
			d.GenerationType = models.TypeWithAvatar
			d.ModelKey = generation.ModelFluxTrained
			d.Prompt = text
			d.UserInput = text
			d.CameFromCustomPrompt = true
		})
		askAspectRatio(deps, chatID, state)
	}
}

// HandlePhotoMessage 处理参考图：下载、上传到推理服务，然后进入 photo_to_photo 或视频首帧流程
func HandlePhotoMessage(message *tgbotapi.Message, deps BotDeps) {
	userID := message.From.ID
	chatID := message.Chat.ID
	photo := message.Photo[len(message.Photo)-1]

	if int64(photo.FileSize) > deps.Config.MaxUploadBytes {
		reply(deps, chatID, tr(deps, userID, "error_photo_too_large", "limit", humanize.Bytes(uint64(deps.Config.MaxUploadBytes))))
		return
	}

	fileURL, err := deps.Bot.GetFileDirectURL(photo.FileID)
	if err != nil {
		sendGenericError(chatID, userID, "get file url", err, deps)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	paths := deps.Inputs.DownloadAll(ctx, []string{fileURL})
	if len(paths) == 0 {
		sendGenericError(chatID, userID, "download reference", errors.New("reference download failed"), deps)
		return
	}
	localPath := paths[0]
	uploaded, err := deps.Replicate.UploadFile(ctx, localPath, mime.TypeByExtension(filepath.Ext(localPath)))
	if err != nil {
		generation.RemoveFiles(deps.Logger, localPath)
		sendGenericError(chatID, userID, "upload reference", err, deps)
		return
	}
	refURL := uploaded.URLs.Get
	caption := strings.TrimSpace(message.Caption)
	deps.Logger.Info("Reference image uploaded", zap.Int64("user_id", userID), zap.String("file_id", uploaded.ID), zap.String("size", humanize.Bytes(uint64(uploaded.Size))))

	state := deps.StateManager.Session(userID)
	if state.Action() == actionAwaitingVideo {
		var hasPrompt bool
		state.Update(func(d *generation.SessionData) {
			replacePhoto(deps, d, localPath)
			d.ReferenceImageURL = refURL
			if caption != "" {
				d.Prompt = caption
				d.UserInput = caption
				d.CameFromCustomPrompt = true
			}
			hasPrompt = strings.TrimSpace(d.Prompt) != ""
		})
		if !hasPrompt {
			reply(deps, chatID, tr(deps, userID, "video_prompt_request"))
			return
		}
		askAspectRatio(deps, chatID, state)
		return
	}

	prepareRequest(deps, state, func(d *generation.SessionData) {
		d.PhotoPath = localPath
		d.GenerationType = models.TypePhotoToPhoto
		d.ModelKey = generation.ModelFluxTrained
		d.ReferenceImageURL = refURL
		d.Prompt = generation.PlaceholderReferencePrompt
		if caption != "" {
			d.Prompt = caption
			d.UserInput = caption
		}
	})
	askAspectRatio(deps, chatID, state)
}

// replacePhoto 记录新的本地参考图并删除旧的
func replacePhoto(deps BotDeps, d *generation.SessionData, path string) {
	if d.PhotoPath != "" && d.PhotoPath != path {
		generation.RemoveFiles(deps.Logger, d.PhotoPath)
	}
	d.PhotoPath = path
}

// prepareRequest 清空上一次请求的输入，保留管理员代生成标记和 LastGeneration
func prepareRequest(deps BotDeps, state *UserState, fn func(d *generation.SessionData)) {
	var stale string
	state.Update(func(d *generation.SessionData) {
		old := d.PhotoPath
		*d = generation.SessionData{
			IsAdminGeneration:      d.IsAdminGeneration,
			AdminGenerationForUser: d.AdminGenerationForUser,
			OriginalAdminUser:      d.OriginalAdminUser,
			LastGeneration:         d.LastGeneration,
		}
		if fn != nil {
			fn(d)
		}
		if old != d.PhotoPath {
			stale = old
		}
	})
	if stale != "" {
		generation.RemoveFiles(deps.Logger, stale)
	}
	state.SetAction(actionNone, 0, 0)
}

func cancelRequest(deps BotDeps, userID int64) {
	state, ok := deps.StateManager.GetState(userID)
	if !ok {
		return
	}
	if path := state.Snapshot().PhotoPath; path != "" {
		generation.RemoveFiles(deps.Logger, path)
	}
	state.ResetRequest()
}

func askAspectRatio(deps BotDeps, chatID int64, state *UserState) {
	userID := state.UserID()
	t := state.Snapshot().GenerationType
	kb := aspectRatioKeyboard(t, tr(deps, userID, "button_cancel"))
	msgID := sendKeyboard(deps, chatID, tr(deps, userID, "aspect_ratio_choose"), kb)
	state.SetAction(actionAwaitingAspect, chatID, msgID)
}

func sendKeyboard(deps BotDeps, chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	msgID, err := deps.Sender.Reply(ctx, chatID, text, &kb)
	if err != nil {
		deps.Logger.Error("Failed to send keyboard", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return msgID
}

// runAssist 让语言模型把用户的想法扩写成提示词
func runAssist(deps BotDeps, chatID int64, state *UserState, idea string) {
	userID := state.UserID()
	spec, ok := deps.Orchestrator.Catalog().Model(generation.ModelLlama)
	if !ok {
		sendGenericError(chatID, userID, "assist", errors.New("prompt helper model not configured"), deps)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), assistTimeout)
	defer cancel()
	refined, err := deps.Replicate.RunText(ctx, spec.ID, map[string]interface{}{
		"prompt":         idea,
		"system_prompt":  assistSystemPrompt,
		"max_new_tokens": 300,
		"temperature":    0.7,
	})
	if err != nil || refined == "" {
		if err == nil {
			err = errors.New("empty completion")
		}
		sendGenericError(chatID, userID, "assist", err, deps)
		return
	}
	refined = strings.Trim(refined, "\"' \n")

	prepareRequest(deps, state, func(d *generation.SessionData) {
		d.GenerationType = models.TypePromptAssist
		d.ModelKey = generation.ModelFluxTrained
		d.Prompt = refined
		d.UserInput = refined
		d.CameFromCustomPrompt = true
	})
	reply(deps, chatID, tr(deps, userID, "assist_result", "prompt", refined))
	askAspectRatio(deps, chatID, state)
}
