package bot

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
)

const maxButtonsPerRow = 3

// videoAspectRatios 是视频模型支持的画幅
var videoAspectRatios = []string{"16:9", "9:16", "1:1"}

// rows 按每行 perRow 个按钮排列
func rows(buttons []tgbotapi.InlineKeyboardButton, perRow int) [][]tgbotapi.InlineKeyboardButton {
	var out [][]tgbotapi.InlineKeyboardButton
	for len(buttons) > 0 {
		n := perRow
		if len(buttons) < n {
			n = len(buttons)
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons[:n]...))
		buttons = buttons[n:]
	}
	return out
}

func aspectRatioKeyboard(t models.GenerationType, cancelLabel string) tgbotapi.InlineKeyboardMarkup {
	ratios := generation.AspectRatioKeys
	if t.IsVideo() {
		ratios = videoAspectRatios
	}
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(ratios))
	for _, r := range ratios {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(r, cbAspect+r))
	}
	kb := rows(buttons, maxButtonsPerRow)
	kb = append(kb, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(cancelLabel, cbCancel)))
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}

type confirmOption struct {
	Label   string
	Outputs int
}

func confirmKeyboard(options []confirmOption, cancelLabel string) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(options))
	for _, o := range options {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(o.Label, cbConfirm+strconv.Itoa(o.Outputs)))
	}
	kb := rows(buttons, maxButtonsPerRow)
	kb = append(kb, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(cancelLabel, cbCancel)))
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}

// ratingKeyboard 数据格式 rate:<generation_type>:<model_key>:<1..5>
func ratingKeyboard(generationType, modelKey string) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, 5)
	for n := 1; n <= 5; n++ {
		data := fmt.Sprintf("%s%s:%s:%d", cbRate, generationType, modelKey, n)
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(strconv.Itoa(n)+"⭐", data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
}

func parseRatingData(data string) (generationType, modelKey string, rating int, err error) {
	parts := strings.Split(strings.TrimPrefix(data, cbRate), ":")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("malformed rating callback %q", data)
	}
	rating, err = strconv.Atoi(parts[2])
	if err != nil || rating < 1 || rating > 5 {
		return "", "", 0, fmt.Errorf("malformed rating value in %q", data)
	}
	return parts[0], parts[1], rating, nil
}

func adminActionsKeyboard(label string, targetUserID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(label, cbAdminRegen+strconv.FormatInt(targetUserID, 10)),
	))
}

// parseIDSuffix 解析 "<prefix><int64>" 形式的回调数据
func parseIDSuffix(data, prefix string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(data, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed callback %q: %w", data, err)
	}
	return id, nil
}

func avatarsKeyboard(avatars []models.TrainedAvatar, checkmark string) tgbotapi.InlineKeyboardMarkup {
	var kb [][]tgbotapi.InlineKeyboardButton
	for _, a := range avatars {
		label := a.AvatarName
		if label == "" {
			label = a.TriggerWord
		}
		if a.IsActive {
			label = checkmark + " " + label
		}
		if a.Status != models.AvatarSuccess {
			label += " (" + string(a.Status) + ")"
		}
		kb = append(kb, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, cbAvatar+strconv.FormatInt(a.AvatarID, 10)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}

func styleKeyboard(styles []config.StyleConfig) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(styles))
	for i, s := range styles {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(s.Name, cbStyle+strconv.Itoa(i)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows(buttons, 2)...)
}

func languageKeyboard(codes []string, name func(code string) string) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(codes))
	for _, code := range codes {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(name(code), cbLang+code))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows(buttons, 2)...)
}
