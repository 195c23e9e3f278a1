package generation

import (
	"context"
	"strings"
	"unicode"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
)

// PlaceholderReferencePrompt is what the dispatch layer stores when a photo-to-photo
// user has not typed anything.
const PlaceholderReferencePrompt = "copy reference style"

// translation input limit of the web endpoint
const maxTranslateInput = 4500

var photorealismEnhancers = []string{
	"professional photography",
	"photorealistic",
	"real person",
	"natural skin texture with visible pores",
	"realistic skin tone",
	"authentic human features",
	"not CGI",
	"not 3D render",
	"DSLR camera quality",
	"natural expression",
	"genuine emotion",
	"sharp focus",
	"high resolution",
}

const antiArtificialDetails = "shot with professional DSLR camera, natural daylight, " +
	"real human skin with natural imperfections, " +
	"unretouched authentic photography, photojournalism style, " +
	"natural hair texture, realistic eye moisture, " +
	"genuine facial expression, candid moment, " +
	"no artificial enhancement, no beauty filters, " +
	"raw unprocessed photo quality"

// PromptInput carries everything the compositor reads.
type PromptInput struct {
	BasePrompt     string
	ModelKey       string
	GenerationType models.GenerationType
	TriggerWord    string
	Gender         string
	UserInput      string
	CustomPrompt   bool
	Modern         bool
}

// PromptCompositor builds the final English prompt sent to the provider.
type PromptCompositor struct {
	translator Translator
	maxLength  int
	logger     *zap.Logger
}

func NewPromptCompositor(translator Translator, maxLength int, logger *zap.Logger) *PromptCompositor {
	return &PromptCompositor{translator: translator, maxLength: maxLength, logger: logger.Named("prompt")}
}

func (p *PromptCompositor) Compose(ctx context.Context, in PromptInput) string {
	base := in.BasePrompt
	if in.CustomPrompt && strings.TrimSpace(in.UserInput) != "" {
		base = in.UserInput
	}

	var full string
	switch {
	case in.GenerationType == models.TypePhotoToPhoto:
		full = composeReferencePrompt(base, in.TriggerWord, in.Modern)
	case in.GenerationType.IsVideo():
		full = base
	default:
		full = composeAvatarPrompt(base, in.TriggerWord, in.Gender, in.CustomPrompt)
	}

	full = normalizeWhitespace(full)

	if hasNonLatinLetters(full) && p.translator != nil {
		src := full
		if len(src) > maxTranslateInput {
			src = truncateRunes(src, maxTranslateInput)
		}
		translated, err := p.translator.Translate(ctx, src, "en")
		switch {
		case err != nil:
			p.logger.Warn("Prompt translation failed, using original text", zap.Error(err))
		case strings.TrimSpace(translated) == "":
			p.logger.Warn("Prompt translation returned empty text, using original text")
		default:
			full = normalizeWhitespace(translated)
		}
	}

	return p.capLength(full)
}

func composeReferencePrompt(base, trigger string, modern bool) string {
	switch {
	case modern && trigger != "":
		s := trigger + ", copy style from reference image"
		if b := strings.TrimSpace(base); b != "" && b != PlaceholderReferencePrompt {
			s += ", " + b
		}
		return s + ", natural skin texture, realistic, photographic quality"
	case trigger != "":
		return trigger + ", copy style from reference, natural realistic photo"
	default:
		return "copy reference image style, natural realistic photo, authentic"
	}
}

func composeAvatarPrompt(base, trigger, gender string, custom bool) string {
	parts := make([]string, 0, len(photorealismEnhancers)+4)
	if trigger != "" {
		parts = append(parts, trigger)
	}
	if !custom {
		parts = append(parts, photorealismEnhancers...)
	}
	if gender != "" {
		parts = append(parts, gender)
	}
	parts = append(parts, base)
	if !custom {
		parts = append(parts, antiArtificialDetails)
	}
	return strings.Join(parts, ", ")
}

// capLength cuts the prompt to maxLength, then back to the last ", " boundary.
func (p *PromptCompositor) capLength(s string) string {
	if p.maxLength <= 0 || len(s) <= p.maxLength {
		return s
	}
	cut := truncateRunes(s, p.maxLength)
	if i := strings.LastIndex(cut, ", "); i > 0 {
		cut = cut[:i]
	}
	p.logger.Warn("Prompt truncated", zap.Int("from", len(s)), zap.Int("to", len(cut)))
	return cut
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// hasNonLatinLetters reports whether s contains a letter outside the Latin script.
func hasNonLatinLetters(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return true
		}
	}
	return false
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
