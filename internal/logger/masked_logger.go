package logger

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 敏感信息类型
const (
	APIKey   = "api_key"
	Password = "password"
	Token    = "token"
)

// Telegram file links embed the bot token: https://api.telegram.org/file/bot<token>/...
var botTokenInURL = regexp.MustCompile(`/bot\d+:[A-Za-z0-9_-]+`)

// Replicate API tokens
var replicateToken = regexp.MustCompile(`r8_[A-Za-z0-9]{8,}`)

// MaskSensitiveInfo 对敏感信息进行打码
func MaskSensitiveInfo(info string, infoType string) string {
	if info == "" {
		return ""
	}

	switch infoType {
	case APIKey, Password, Token:
		if len(info) <= 8 {
			return "****"
		}
		// 保留前4位和后4位，中间用*替代
		return info[:4] + strings.Repeat("*", len(info)-8) + info[len(info)-4:]
	default:
		return info
	}
}

// MaskEmbeddedSecrets scrubs secrets that appear inside free-form values such as URLs or error text.
func MaskEmbeddedSecrets(s string) string {
	s = botTokenInURL.ReplaceAllString(s, "/bot****")
	return replicateToken.ReplaceAllString(s, "r8_****")
}

// NewMaskedLogger 创建一个会对敏感信息进行打码的日志记录器
func NewMaskedLogger(baseLogger *zap.Logger) *zap.Logger {
	return baseLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &maskedCore{Core: core}
	}))
}

type maskedCore struct {
	zapcore.Core
}

func (c *maskedCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskedCore{Core: c.Core.With(maskFields(fields))}
}

func (c *maskedCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *maskedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = MaskEmbeddedSecrets(entry.Message)
	return c.Core.Write(entry, maskFields(fields))
}

func maskFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		out[i] = field
		switch {
		case field.Type == zapcore.StringType && isSensitiveField(field.Key):
			out[i] = zap.String(field.Key, MaskSensitiveInfo(field.String, getFieldType(field.Key)))
		case field.Type == zapcore.StringType:
			out[i] = zap.String(field.Key, MaskEmbeddedSecrets(field.String))
		case field.Type == zapcore.ErrorType:
			if err, ok := field.Interface.(error); ok && err != nil {
				out[i] = zap.String(field.Key, MaskEmbeddedSecrets(err.Error()))
			}
		}
	}
	return out
}

// isSensitiveField 判断字段是否为敏感字段
func isSensitiveField(key string) bool {
	key = strings.ToLower(key)
	return strings.Contains(key, "api_key") ||
		strings.Contains(key, "apikey") ||
		strings.Contains(key, "password") ||
		strings.Contains(key, "token") ||
		strings.Contains(key, "secret") ||
		strings.Contains(key, "auth")
}

// getFieldType 根据字段名获取敏感信息类型
func getFieldType(key string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "api_key") || strings.Contains(key, "apikey") {
		return APIKey
	}
	if strings.Contains(key, "password") {
		return Password
	}
	return Token
}
