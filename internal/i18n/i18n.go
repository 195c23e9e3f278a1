package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed all:locales
var localeFS embed.FS

// Manager 管理 i18n Bundle
type Manager struct {
	bundle          *i18n.Bundle
	defaultLanguage language.Tag
	defaultCode     string
	Logger          *zap.Logger
	localizers      map[string]*i18n.Localizer
	availableLangs  map[string]string // "en" -> "English"
}

// NewManager 创建一个新的 i18n 管理器，翻译文件从嵌入的 locales 目录加载
func NewManager(defaultLang string, logger *zap.Logger) (*Manager, error) {
	defaultLanguageTag, err := language.Parse(defaultLang)
	if err != nil {
		return nil, fmt.Errorf("invalid default language tag '%s': %w", defaultLang, err)
	}

	bundle := i18n.NewBundle(defaultLanguageTag)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	m := &Manager{
		bundle:          bundle,
		defaultLanguage: defaultLanguageTag,
		defaultCode:     defaultLang,
		Logger:          logger.Named("i18n"),
		localizers:      make(map[string]*i18n.Localizer),
		availableLangs:  make(map[string]string),
	}

	if err := m.loadTranslations(); err != nil {
		return nil, err
	}

	for langCode := range m.availableLangs {
		m.localizers[langCode] = i18n.NewLocalizer(m.bundle, langCode, defaultLang)
	}
	if _, ok := m.localizers[defaultLang]; !ok {
		return nil, fmt.Errorf("default language %q has no locale file", defaultLang)
	}

	m.Logger.Info("i18n Manager initialized",
		zap.String("default_language", defaultLang),
		zap.Int("loaded_languages", len(m.availableLangs)),
	)
	return m, nil
}

func (m *Manager) loadTranslations() error {
	files, err := fs.ReadDir(localeFS, "locales")
	if err != nil {
		return fmt.Errorf("failed to read embedded locales directory: %w", err)
	}

	for _, file := range files {
		fileName := file.Name()
		// active.en.toml / en.toml
		if file.IsDir() || filepath.Ext(fileName) != ".toml" {
			continue
		}
		msgFile, err := m.bundle.LoadMessageFileFS(localeFS, "locales/"+fileName)
		if err != nil {
			m.Logger.Warn("Failed to load translation file", zap.String("file", fileName), zap.Error(err))
			continue
		}

		parts := strings.Split(strings.TrimSuffix(fileName, ".toml"), ".")
		langCode := parts[len(parts)-1]
		m.availableLangs[langCode] = displayName(msgFile.Tag, langCode)
		m.Logger.Debug("Loaded translation file", zap.String("file", fileName), zap.Int("messages", len(msgFile.Messages)))
	}

	if len(m.availableLangs) == 0 {
		return errors.New("no valid translation files loaded")
	}
	return nil
}

func displayName(tag language.Tag, fallback string) string {
	switch base, _ := tag.Base(); base.String() {
	case "en":
		return "English"
	case "ru":
		return "Русский"
	default:
		return fallback
	}
}

// T translates a message identified by key.
// args can contain:
// - An int: interpreted as PluralCount.
// - Key-value pairs (string, interface{}, ...): interpreted as TemplateData.
func (m *Manager) T(lang *string, key string, args ...interface{}) string {
	langCode := m.defaultCode
	if lang != nil && *lang != "" {
		langCode = *lang
	}

	localizer, ok := m.localizers[langCode]
	if !ok {
		localizer = m.localizers[m.defaultCode]
	}

	localizeConfig := &i18n.LocalizeConfig{MessageID: key}
	templateData := make(map[string]interface{})

	for i := 0; i < len(args); i++ {
		switch v := args[i].(type) {
		case int:
			if localizeConfig.PluralCount == nil {
				localizeConfig.PluralCount = v
			}
		case string:
			if i+1 < len(args) {
				templateData[v] = args[i+1]
				i++
			}
		case map[string]interface{}:
			for k, val := range v {
				templateData[k] = val
			}
		default:
			m.Logger.Warn("Unsupported argument type in T", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", v)))
		}
	}
	if len(templateData) > 0 {
		localizeConfig.TemplateData = templateData
	}

	localized, err := localizer.Localize(localizeConfig)
	if err != nil {
		var notFound *i18n.MessageNotFoundErr
		if !errors.As(err, &notFound) {
			m.Logger.Error("Failed to localize message", zap.String("key", key), zap.String("lang", langCode), zap.Error(err))
		}
		if localized != "" {
			return localized
		}
		return key
	}
	return localized
}

// GetAvailableLanguages returns the language codes with locale files, sorted.
func (m *Manager) GetAvailableLanguages() []string {
	codes := make([]string, 0, len(m.availableLangs))
	for code := range m.availableLangs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (m *Manager) GetLanguageName(code string) (string, bool) {
	name, ok := m.availableLangs[code]
	return name, ok
}

func (m *Manager) HasLanguage(code string) bool {
	_, ok := m.localizers[code]
	return ok
}
