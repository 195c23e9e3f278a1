package cmd

import (
	"fmt"
	"os"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/bot"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStartCmd(version string, buildTime string) *cobra.Command {
	return &cobra.Command{
		Use:          "start [config.toml]",
		Short:        "telegram-avatar-bot start",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := "./config.toml"
			if len(args) == 1 {
				configFile = args[0]
			}
			fmt.Fprintln(cmd.OutOrStdout(), "telegram-avatar-bot start")
			fmt.Fprintln(cmd.OutOrStdout(), "configPath: ", configFile)
			return run(configFile, version, buildTime)
		},
	}
}

func run(configFile string, version string, buildTime string) error {
	// 先初始化一个基本日志记录器，用于记录配置加载过程
	tempLogger, _ := zap.NewProduction()
	if verbose {
		tempLogger, _ = zap.NewDevelopment()
	}
	defer tempLogger.Sync()

	tempLogger.Info("使用配置文件", zap.String("path", configFile))
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		tempLogger.Error("配置文件不存在", zap.String("path", configFile))
		return fmt.Errorf("config file %s does not exist", configFile)
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		tempLogger.Error("加载配置失败", zap.Error(err))
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		tempLogger.Error("配置验证失败", zap.Error(err))
		return fmt.Errorf("validate config: %w", err)
	}
	if verbose {
		config.PrintConfig(cfg)
	}

	return bot.StartBot(cfg, version, buildTime)
}
