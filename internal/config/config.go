package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultMultiLoraModel = "lucataco/flux-dev-multi-lora:2389224e115448d9a77c07d7d45672b3f0aa45acacf1c5bcf51857ac295e3aec"

type Config struct {
	BotToken          string           `toml:"botToken"`
	ReplicateAPIToken string           `toml:"replicateAPIToken"`
	ReplicateOwner    string           `toml:"replicateOwner"`
	TelegramAPIURL    string           `toml:"telegramAPIURL"`
	DBPath            string           `toml:"dbPath"`
	DataDir           string           `toml:"dataDir"`
	DefaultLanguage   string           `toml:"defaultLanguage"`
	MaxUploadBytes    int64            `toml:"maxUploadBytes"`
	LogConfig         LogConfig        `toml:"logConfig"`
	Auth              AuthConfig       `toml:"auth"`
	Admins            AdminConfig      `toml:"admins"`
	Balance           BalanceConfig    `toml:"balance"`
	Queue             QueueConfig      `toml:"queue"`
	Provider          ProviderConfig   `toml:"provider"`
	Download          DownloadConfig   `toml:"download"`
	Resolver          ResolverConfig   `toml:"resolver"`
	Generation        GenerationConfig `toml:"generation"`
	Translator        TranslatorConfig `toml:"translator"`
	Telegram          TelegramConfig   `toml:"telegram"`
	Models            []ModelConfig    `toml:"models"`
	LoRAs             []LoraConfig     `toml:"loras"`
	Styles            []StyleConfig    `toml:"styles"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// AuthConfig 为空时所有用户都可使用
type AuthConfig struct {
	AuthorizedUserIDs []int64 `toml:"authorizedUserIDs"`
}

type AdminConfig struct {
	AdminUserIDs []int64 `toml:"adminUserIDs"`
}

type BalanceConfig struct {
	InitialPhotos  int `toml:"initialPhotos"`
	InitialAvatars int `toml:"initialAvatars"`
}

type QueueConfig struct {
	Capacity                int `toml:"capacity"`
	Workers                 int `toml:"workers"`
	MaxConcurrentJobs       int `toml:"maxConcurrentJobs"`
	CooldownSeconds         int `toml:"cooldownSeconds"`
	PositionNoticeThreshold int `toml:"positionNoticeThreshold"`
}

type ProviderConfig struct {
	BaseURL             string `toml:"baseURL"`
	MaxInFlight         int    `toml:"maxInFlight"`
	RetryAttempts       int    `toml:"retryAttempts"`
	RetryMinSeconds     int    `toml:"retryMinSeconds"`
	RetryMaxSeconds     int    `toml:"retryMaxSeconds"`
	PollIntervalSeconds int    `toml:"pollIntervalSeconds"`
	TimeoutSeconds      int    `toml:"timeoutSeconds"`
}

type DownloadConfig struct {
	Concurrency    int `toml:"concurrency"`
	Attempts       int `toml:"attempts"`
	TimeoutSeconds int `toml:"timeoutSeconds"`
	BackoffSeconds int `toml:"backoffSeconds"`
}

type ResolverConfig struct {
	TTLSeconds int `toml:"ttlSeconds"`
	MaxEntries int `toml:"maxEntries"`
}

type GenerationConfig struct {
	MaxLoraCount        int     `toml:"maxLoraCount"`
	UserAdapterStrength float64 `toml:"userAdapterStrength"`
	MultiLoraModel      string  `toml:"multiLoraModel"`
	MaxPromptLength     int     `toml:"maxPromptLength"`
	DefaultOutputs      int     `toml:"defaultOutputs"`
}

type TranslatorConfig struct {
	Endpoint       string `toml:"endpoint"`
	TimeoutSeconds int    `toml:"timeoutSeconds"`
}

type TelegramConfig struct {
	MessagesPerSecond float64 `toml:"messagesPerSecond"`
	Burst             int     `toml:"burst"`
}

// ModelConfig describes one entry of the model catalog.
type ModelConfig struct {
	Key  string `toml:"key"`
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Kind string `toml:"kind"` // image | video | text
	Cost int    `toml:"cost"`
}

type LoraConfig struct {
	Key      string   `toml:"key"`
	Model    string   `toml:"model"`
	Strength float64  `toml:"strength"`
	Priority int      `toml:"priority"`
	Keywords []string `toml:"keywords"`
}

type StyleConfig struct {
	Name     string `toml:"name"`
	Prompt   string `toml:"prompt"`
	Gender   string `toml:"gender"`
	StyleSet string `toml:"styleSet"`
}

func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults 为未设置的字段填充生产默认值
func ApplyDefaults(cfg *Config) {
	setString(&cfg.TelegramAPIURL, "https://api.telegram.org/bot%s/%s")
	setString(&cfg.DBPath, "avatar-bot.db")
	setString(&cfg.DataDir, "data")
	setString(&cfg.DefaultLanguage, "ru")
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	setString(&cfg.LogConfig.Level, "info")
	setString(&cfg.LogConfig.Format, "console")

	setInt(&cfg.Queue.Capacity, 1000)
	setInt(&cfg.Queue.Workers, 20)
	setInt(&cfg.Queue.MaxConcurrentJobs, 100)
	setInt(&cfg.Queue.CooldownSeconds, 2)
	setInt(&cfg.Queue.PositionNoticeThreshold, 10)

	setString(&cfg.Provider.BaseURL, "https://api.replicate.com/v1")
	setInt(&cfg.Provider.MaxInFlight, 50)
	setInt(&cfg.Provider.RetryAttempts, 3)
	setInt(&cfg.Provider.RetryMinSeconds, 2)
	setInt(&cfg.Provider.RetryMaxSeconds, 10)
	setInt(&cfg.Provider.PollIntervalSeconds, 2)
	setInt(&cfg.Provider.TimeoutSeconds, 600)

	setInt(&cfg.Download.Concurrency, 100)
	setInt(&cfg.Download.Attempts, 3)
	setInt(&cfg.Download.TimeoutSeconds, 30)
	setInt(&cfg.Download.BackoffSeconds, 1)

	setInt(&cfg.Resolver.TTLSeconds, 300)
	setInt(&cfg.Resolver.MaxEntries, 1000)

	setInt(&cfg.Generation.MaxLoraCount, 7)
	if cfg.Generation.UserAdapterStrength <= 0 {
		cfg.Generation.UserAdapterStrength = 1.0
	}
	setString(&cfg.Generation.MultiLoraModel, DefaultMultiLoraModel)
	setInt(&cfg.Generation.MaxPromptLength, 4000)
	setInt(&cfg.Generation.DefaultOutputs, 2)

	setString(&cfg.Translator.Endpoint, "https://translate.googleapis.com/translate_a/single")
	setInt(&cfg.Translator.TimeoutSeconds, 10)

	if cfg.Telegram.MessagesPerSecond <= 0 {
		cfg.Telegram.MessagesPerSecond = 25
	}
	setInt(&cfg.Telegram.Burst, 5)
}

func setString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func ValidateURL(urlString string) bool {
	if urlString == "" {
		return false
	}
	u, err := url.Parse(urlString)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func MaskedPrint(str string) string {
	// only show the last 4 characters
	if len(str) <= 4 {
		return strings.Repeat("*", len(str))
	}
	return strings.Repeat("*", len(str)-4) + str[len(str)-4:]
}

func PrintConfig(cfg *Config) {
	fmt.Println()
	fmt.Println("--------------------------------")
	fmt.Println("Config:")
	fmt.Printf("\tBotToken: %s\n", MaskedPrint(cfg.BotToken))
	fmt.Printf("\tReplicateAPIToken: %s\n", MaskedPrint(cfg.ReplicateAPIToken))
	fmt.Printf("\tReplicateOwner: %s\n", cfg.ReplicateOwner)
	fmt.Printf("\tTelegramAPIURL: %s\n", cfg.TelegramAPIURL)
	fmt.Printf("\tDBPath: %s\n", cfg.DBPath)
	fmt.Printf("\tDataDir: %s\n", cfg.DataDir)
	fmt.Printf("\tLogConfig: %v\n", cfg.LogConfig)
	fmt.Printf("\tAdmins: %v\n", cfg.Admins)
	fmt.Printf("\tBalance: %v\n", cfg.Balance)
	fmt.Printf("\tQueue: %v\n", cfg.Queue)
	fmt.Printf("\tProvider: %v\n", cfg.Provider)
	fmt.Printf("\tDownload: %v\n", cfg.Download)
	fmt.Printf("\tGeneration: %v\n", cfg.Generation)
	fmt.Printf("\tModels: %d, LoRAs: %d, Styles: %d\n", len(cfg.Models), len(cfg.LoRAs), len(cfg.Styles))
	fmt.Println("--------------------------------")
	fmt.Println()
}

func ValidateConfig(cfg *Config) error {
	if cfg.BotToken == "" {
		return fmt.Errorf("botToken is required")
	}
	if cfg.ReplicateAPIToken == "" {
		return fmt.Errorf("replicateAPIToken is required")
	}
	if cfg.ReplicateOwner == "" {
		return fmt.Errorf("replicateOwner is required")
	}
	if !ValidateURL(strings.ReplaceAll(cfg.TelegramAPIURL, "%s", "x")) {
		return fmt.Errorf("telegramAPIURL must be a valid URL")
	}
	if !ValidateURL(cfg.Provider.BaseURL) {
		return fmt.Errorf("provider.baseURL must be a valid URL")
	}
	if !ValidateURL(cfg.Translator.Endpoint) {
		return fmt.Errorf("translator.endpoint must be a valid URL")
	}
	if len(cfg.Admins.AdminUserIDs) == 0 {
		return fmt.Errorf("adminUserIDs is required")
	}
	if cfg.Balance.InitialPhotos < 0 || cfg.Balance.InitialAvatars < 0 {
		return fmt.Errorf("initial balances must not be negative")
	}
	if cfg.Queue.Workers > cfg.Queue.Capacity {
		return fmt.Errorf("queue.workers (%d) must not exceed queue.capacity (%d)", cfg.Queue.Workers, cfg.Queue.Capacity)
	}
	if cfg.Generation.MaxLoraCount < 2 {
		return fmt.Errorf("generation.maxLoraCount must be at least 2")
	}
	if cfg.Generation.UserAdapterStrength > 1 {
		return fmt.Errorf("generation.userAdapterStrength must be within (0, 1]")
	}
	seen := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.Key == "" || m.ID == "" {
			return fmt.Errorf("model entries need both key and id")
		}
		if seen[m.Key] {
			return fmt.Errorf("duplicate model key %q", m.Key)
		}
		seen[m.Key] = true
		switch m.Kind {
		case "", "image", "video", "text":
		default:
			return fmt.Errorf("model %q has unknown kind %q", m.Key, m.Kind)
		}
	}
	for _, l := range cfg.LoRAs {
		if l.Key == "" || l.Model == "" {
			return fmt.Errorf("lora entries need both key and model")
		}
		if l.Strength <= 0 || l.Strength > 1 {
			return fmt.Errorf("lora %q strength must be within (0, 1]", l.Key)
		}
	}
	for _, s := range cfg.Styles {
		if s.Name == "" || s.Prompt == "" {
			return fmt.Errorf("style entries need both name and prompt")
		}
	}
	return nil
}
