package bot

import (
	"strings"
	"testing"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
)

func TestRatingCallbackRoundTrip(t *testing.T) {
	kb := ratingKeyboard(string(models.TypePhotoToPhoto), generation.ModelLlama)
	if len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 5 {
		t.Fatalf("unexpected layout: %+v", kb.InlineKeyboard)
	}
	for i, b := range kb.InlineKeyboard[0] {
		data := *b.CallbackData
		if len(data) > 64 {
			t.Errorf("callback data %q exceeds telegram limit", data)
		}
		gt, key, n, err := parseRatingData(data)
		if err != nil {
			t.Fatalf("parseRatingData(%q): %v", data, err)
		}
		if gt != string(models.TypePhotoToPhoto) || key != generation.ModelLlama || n != i+1 {
			t.Errorf("parsed %q as %s %s %d", data, gt, key, n)
		}
	}
}

func TestParseRatingDataRejectsGarbage(t *testing.T) {
	for _, data := range []string{"rate:", "rate:a:b", "rate:a:b:0", "rate:a:b:6", "rate:a:b:x"} {
		if _, _, _, err := parseRatingData(data); err == nil {
			t.Errorf("parseRatingData(%q) accepted", data)
		}
	}
}

func TestAspectRatioKeyboard(t *testing.T) {
	count := func(t models.GenerationType) (ratios int, last string) {
		kb := aspectRatioKeyboard(t, "cancel")
		for _, row := range kb.InlineKeyboard {
			for _, b := range row {
				if strings.HasPrefix(*b.CallbackData, cbAspect) {
					ratios++
				}
				last = *b.CallbackData
			}
		}
		return ratios, last
	}
	if n, last := count(models.TypeWithAvatar); n != len(generation.AspectRatioKeys) || last != cbCancel {
		t.Errorf("photo keyboard has %d ratios, last %q", n, last)
	}
	if n, _ := count(models.TypeAIVideo); n != len(videoAspectRatios) {
		t.Errorf("video keyboard has %d ratios", n)
	}
	for _, r := range append(generation.AspectRatioKeys, videoAspectRatios...) {
		if !generation.KnownAspectRatio(r) {
			t.Errorf("keyboard offers unknown ratio %q", r)
		}
	}
}

func TestAdminKeyboardAndIDParsing(t *testing.T) {
	kb := adminActionsKeyboard("again", 4242)
	data := *kb.InlineKeyboard[0][0].CallbackData
	id, err := parseIDSuffix(data, cbAdminRegen)
	if err != nil || id != 4242 {
		t.Errorf("parseIDSuffix(%q) = %d, %v", data, id, err)
	}
	if _, err := parseIDSuffix(cbAdminRegen+"abc", cbAdminRegen); err == nil {
		t.Error("non-numeric id accepted")
	}
}

func TestAvatarsKeyboardMarksActive(t *testing.T) {
	kb := avatarsKeyboard([]models.TrainedAvatar{
		{AvatarID: 1, AvatarName: "old", Status: models.AvatarSuccess},
		{AvatarID: 2, AvatarName: "new", Status: models.AvatarProcessing, IsActive: true},
	}, "✅")
	if got := kb.InlineKeyboard[0][0].Text; got != "old" {
		t.Errorf("first button %q", got)
	}
	if got := kb.InlineKeyboard[1][0].Text; got != "✅ new (processing)" {
		t.Errorf("second button %q", got)
	}
	if got := *kb.InlineKeyboard[1][0].CallbackData; got != cbAvatar+"2" {
		t.Errorf("callback %q", got)
	}
}

func TestRowsSplitsButtons(t *testing.T) {
	kb := confirmKeyboard([]confirmOption{{"1", 1}, {"2", 2}, {"4", 4}, {"8", 8}}, "cancel")
	if len(kb.InlineKeyboard) != 3 || len(kb.InlineKeyboard[0]) != 3 || len(kb.InlineKeyboard[1]) != 1 {
		t.Errorf("layout = %+v", kb.InlineKeyboard)
	}
	if got := *kb.InlineKeyboard[1][0].CallbackData; got != cbConfirm+"8" {
		t.Errorf("callback %q", got)
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	got := escape("1.5s (done)!")
	if got != `1\.5s \(done\)\!` {
		t.Errorf("escape = %q", got)
	}
}
