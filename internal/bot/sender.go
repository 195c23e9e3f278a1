package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sender 实现 generation.Messenger，所有出站消息共享一个全局速率限制
type Sender struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	texts   generation.Texts
	logger  *zap.Logger
}

func NewSender(bot *tgbotapi.BotAPI, perSecond float64, burst int, texts generation.Texts, logger *zap.Logger) *Sender {
	if burst < 1 {
		burst = 1
	}
	return &Sender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		texts:   texts,
		logger:  logger.Named("sender"),
	}
}

// escape 将纯文本转义为 MarkdownV2
func escape(text string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, text)
}

func (s *Sender) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limiter: %w", err)
	}
	return nil
}

func (s *Sender) SendText(ctx context.Context, chatID int64, text string, markup generation.Markup) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, escape(text))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if kb := s.keyboard(chatID, markup); kb != nil {
		msg.ReplyMarkup = *kb
	}
	sent, err := s.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

func (s *Sender) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, escape(text))
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := s.bot.Send(edit); err != nil {
		if isNotModified(err) {
			return nil
		}
		return fmt.Errorf("edit message %d in %d: %w", messageID, chatID, err)
	}
	return nil
}

func (s *Sender) SendPhoto(ctx context.Context, chatID int64, path, caption string, markup generation.Markup) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
	photo.Caption = escape(caption)
	photo.ParseMode = tgbotapi.ModeMarkdownV2
	if kb := s.keyboard(chatID, markup); kb != nil {
		photo.ReplyMarkup = *kb
	}
	if _, err := s.bot.Send(photo); err != nil {
		return fmt.Errorf("send photo to %d: %w", chatID, err)
	}
	return nil
}

// SendMediaGroup 发送相册，标题放在第一张图片上
func (s *Sender) SendMediaGroup(ctx context.Context, chatID int64, paths []string, caption string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	media := make([]interface{}, 0, len(paths))
	for i, p := range paths {
		item := tgbotapi.NewInputMediaPhoto(tgbotapi.FilePath(p))
		if i == 0 && caption != "" {
			item.Caption = escape(caption)
			item.ParseMode = tgbotapi.ModeMarkdownV2
		}
		media = append(media, item)
	}
	if _, err := s.bot.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media)); err != nil {
		return fmt.Errorf("send media group of %d to %d: %w", len(paths), chatID, err)
	}
	return nil
}

func (s *Sender) SendVideo(ctx context.Context, chatID int64, path, caption string, markup generation.Markup) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	video := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(path))
	video.Caption = escape(caption)
	video.ParseMode = tgbotapi.ModeMarkdownV2
	video.SupportsStreaming = true
	if kb := s.keyboard(chatID, markup); kb != nil {
		video.ReplyMarkup = *kb
	}
	if _, err := s.bot.Send(video); err != nil {
		return fmt.Errorf("send video to %d: %w", chatID, err)
	}
	return nil
}

// Reply 发送带可选键盘的文本，供命令处理使用
func (s *Sender) Reply(ctx context.Context, chatID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, escape(text))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if kb != nil {
		msg.ReplyMarkup = *kb
	}
	sent, err := s.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// Edit 替换消息文本和键盘；kb 为 nil 时移除键盘
func (s *Sender) Edit(ctx context.Context, chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	var edit tgbotapi.EditMessageTextConfig
	if kb != nil {
		edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, escape(text), *kb)
	} else {
		edit = tgbotapi.NewEditMessageText(chatID, messageID, escape(text))
	}
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := s.bot.Send(edit); err != nil && !isNotModified(err) {
		return fmt.Errorf("edit message %d in %d: %w", messageID, chatID, err)
	}
	return nil
}

// Answer 应答回调查询，text 为空时只停止按钮的加载状态
func (s *Sender) Answer(callbackID, text string) {
	if _, err := s.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		s.logger.Debug("Failed to answer callback", zap.Error(err))
	}
}

func (s *Sender) keyboard(chatID int64, markup generation.Markup) *tgbotapi.InlineKeyboardMarkup {
	switch markup.Kind {
	case generation.MarkupRating:
		kb := ratingKeyboard(string(markup.GenerationType), markup.ModelKey)
		return &kb
	case generation.MarkupAdminActions:
		kb := adminActionsKeyboard(s.texts.Text(chatID, "button_admin_regenerate"), markup.TargetUserID)
		return &kb
	}
	return nil
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
