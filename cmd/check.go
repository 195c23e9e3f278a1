package cmd

import (
	"fmt"
	"sort"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/generation"
	"github.com/spf13/cobra"
)

// newCheckCmd 校验配置文件并打印模型和 LoRA 目录，不连接任何外部服务
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "check [config.toml]",
		Short:        "Validate a config file and print the model catalog",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := "./config.toml"
			if len(args) == 1 {
				configFile = args[0]
			}
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.ValidateConfig(cfg); err != nil {
				return fmt.Errorf("validate config: %w", err)
			}
			table, err := generation.NewAdapterTable(cfg.LoRAs)
			if err != nil {
				return fmt.Errorf("build adapter table: %w", err)
			}
			if verbose {
				config.PrintConfig(cfg)
			}

			out := cmd.OutOrStdout()
			catalog := generation.NewCatalog(cfg.Generation.MultiLoraModel, cfg.Models)
			for _, m := range catalog.Models() {
				fmt.Fprintf(out, "model\t%s\t%s\t%s\n", m.Key, m.Kind, m.ID)
			}
			keys := make([]string, 0, len(table))
			for k := range table {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				a := table[k]
				fmt.Fprintf(out, "lora\t%s\t%.2f\t%d\t%s\n", a.Key, a.Strength, a.Priority, a.ID)
			}
			fmt.Fprintf(out, "styles\t%d\n", len(cfg.Styles))
			fmt.Fprintln(out, "config OK")
			return nil
		},
	}
}
