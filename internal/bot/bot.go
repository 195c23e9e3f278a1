package bot

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/auth"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/i18n"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/logger"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/storage"
	"github.com/nerdneilsfield/telegram-avatar-bot/pkg/replicate"
	"github.com/nerdneilsfield/telegram-avatar-bot/pkg/translate"
	"go.uber.org/zap"
)

const (
	sessionIdleTimeout = time.Hour
	sessionSweepPeriod = 10 * time.Minute
)

// StartBot initializes all dependencies and blocks until SIGINT/SIGTERM.
func StartBot(cfg *config.Config, version string, buildDate string) error {
	logger, err := logger.InitLogger(cfg.LogConfig.Level, cfg.LogConfig.Format, cfg.LogConfig.File)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Telegram Bot...", zap.String("version", version), zap.String("buildDate", buildDate))

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, cfg.TelegramAPIURL)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	logger.Info("Authorized on account", zap.String("username", bot.Self.UserName), zap.Int64("bot_id", bot.Self.ID))

	i18nManager, err := i18n.NewManager(cfg.DefaultLanguage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n manager: %w", err)
	}

	db, err := storage.InitDB(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	ledger := storage.NewLedger(db, cfg.Balance.InitialPhotos, cfg.Balance.InitialAvatars, logger)
	store := storage.NewStore(db)
	authorizer := auth.NewAuthorizer(cfg.Auth.AuthorizedUserIDs, cfg.Admins.AdminUserIDs)
	logger.Info("Authorizer ready", zap.Int64s("admins", authorizer.AdminIDs()), zap.Int("allow_list", len(cfg.Auth.AuthorizedUserIDs)))

	replicateClient := replicate.NewClient(cfg.ReplicateAPIToken, logger,
		replicate.WithBaseURL(cfg.Provider.BaseURL),
		replicate.WithPolling(config.Seconds(cfg.Provider.PollIntervalSeconds), config.Seconds(cfg.Provider.TimeoutSeconds)),
	)
	translator := translate.NewGoogleClient(cfg.Translator.Endpoint, config.Seconds(cfg.Translator.TimeoutSeconds), logger)

	texts := Texts{I18n: i18nManager, DB: db, Logger: logger}
	sender := NewSender(bot, cfg.Telegram.MessagesPerSecond, cfg.Telegram.Burst, texts, logger)

	orchestrator, err := generation.New(cfg, generation.Deps{
		Ledger:     ledger,
		Avatars:    store,
		Events:     store,
		Provider:   replicateClient,
		Translator: translator,
		Messenger:  sender,
		Texts:      texts,
		IsAdmin:    authorizer.IsAdmin,
		BotID:      bot.Self.ID,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize generation pipeline: %w", err)
	}

	deps := BotDeps{
		Bot:          bot,
		Config:       cfg,
		DB:           db,
		Ledger:       ledger,
		Store:        store,
		Replicate:    replicateClient,
		Orchestrator: orchestrator,
		Inputs: generation.NewDownloader(filepath.Join(cfg.DataDir, "inputs"), cfg.Download.Concurrency,
			cfg.Download.Attempts, config.Seconds(cfg.Download.TimeoutSeconds), config.Seconds(cfg.Download.BackoffSeconds), logger),
		Sender:       sender,
		StateManager: NewStateManager(),
		Authorizer:   authorizer,
		I18n:         i18nManager,
		Logger:       logger,
		Version:      version,
		BuildDate:    buildDate,
	}

	SetBotCommands(bot, logger, cfg.DefaultLanguage, deps.I18n)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestrator.Start(ctx)
	go sweepSessions(ctx, deps)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	logger.Info("Bot started, listening for updates...")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down, waiting for running generations")
			bot.StopReceivingUpdates()
			orchestrator.Stop()
			logger.Info("Bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				orchestrator.Stop()
				return nil
			}
			go HandleUpdate(update, deps)
		}
	}
}

func sweepSessions(ctx context.Context, deps BotDeps) {
	ticker := time.NewTicker(sessionSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := deps.StateManager.Expire(sessionIdleTimeout); n > 0 {
				deps.Logger.Debug("Expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

// SetBotCommands defines the commands available to the user.
func SetBotCommands(bot *tgbotapi.BotAPI, logger *zap.Logger, defaultLang string, i18nManager *i18n.Manager) {
	commands := []tgbotapi.BotCommand{
		{Command: "start", Description: i18nManager.T(&defaultLang, "command_desc_start")},
		{Command: "help", Description: i18nManager.T(&defaultLang, "command_desc_help")},
		{Command: "styles", Description: i18nManager.T(&defaultLang, "command_desc_styles")},
		{Command: "avatars", Description: i18nManager.T(&defaultLang, "command_desc_avatars")},
		{Command: "video", Description: i18nManager.T(&defaultLang, "command_desc_video")},
		{Command: "video2", Description: i18nManager.T(&defaultLang, "command_desc_video2")},
		{Command: "assist", Description: i18nManager.T(&defaultLang, "command_desc_assist")},
		{Command: "balance", Description: i18nManager.T(&defaultLang, "command_desc_balance")},
		{Command: "language", Description: i18nManager.T(&defaultLang, "command_desc_language")},
		{Command: "cancel", Description: i18nManager.T(&defaultLang, "command_desc_cancel")},
		{Command: "version", Description: i18nManager.T(&defaultLang, "command_desc_version")},
	}

	commandsConfig := tgbotapi.NewSetMyCommands(commands...)
	if _, err := bot.Request(commandsConfig); err != nil {
		logger.Error("Failed to set bot commands", zap.Error(err))
	} else {
		logger.Info("Successfully set bot commands")
	}
}
