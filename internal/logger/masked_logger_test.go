package logger

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMaskSensitiveInfo(t *testing.T) {
	if got := MaskSensitiveInfo("r8_abcdefghijkl", APIKey); got != "r8_a*******ijkl" {
		t.Errorf("MaskSensitiveInfo() = %q", got)
	}
	if got := MaskSensitiveInfo("short", Token); got != "****" {
		t.Errorf("MaskSensitiveInfo(short) = %q, want ****", got)
	}
	if got := MaskSensitiveInfo("visible", ""); got != "visible" {
		t.Errorf("MaskSensitiveInfo(untyped) = %q, want unchanged", got)
	}
}

func TestMaskEmbeddedSecrets(t *testing.T) {
	in := "https://api.telegram.org/file/bot123456:AAE-secret_Token/photos/file_1.jpg"
	got := MaskEmbeddedSecrets(in)
	if strings.Contains(got, "AAE-secret_Token") {
		t.Errorf("bot token leaked: %q", got)
	}
	if !strings.HasSuffix(got, "/photos/file_1.jpg") {
		t.Errorf("path mangled: %q", got)
	}
	if got := MaskEmbeddedSecrets("auth failed for r8_ABCDEFGHIJ123"); strings.Contains(got, "ABCDEFGHIJ123") {
		t.Errorf("replicate token leaked: %q", got)
	}
}

func TestMaskedLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewMaskedLogger(zap.New(core)).With(zap.String("bot_token", "123456:abcdefghij"))

	log.Info("download", zap.String("url", "https://api.telegram.org/file/bot1:abc/x.jpg"), zap.Error(errors.New("GET /bot1:abc/x failed")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["bot_token"] == "123456:abcdefghij" {
		t.Error("bot_token was not masked")
	}
	if strings.Contains(ctx["url"].(string), "abc") {
		t.Errorf("url not masked: %v", ctx["url"])
	}
	if strings.Contains(ctx["error"].(string), "bot1:abc") {
		t.Errorf("error not masked: %v", ctx["error"])
	}
}
