package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd(version string, buildTime string, gitCommit string) *cobra.Command {
	return &cobra.Command{
		Use:          "version",
		Short:        "telegram-avatar-bot version",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "telegram-avatar-bot")
			fmt.Fprintln(cmd.OutOrStdout(), "A telegram bot for avatar photo and video generation.")
			fmt.Fprintln(cmd.OutOrStdout(), "Github: https://github.com/nerdneilsfield/telegram-avatar-bot")
			fmt.Fprintf(cmd.OutOrStdout(), "telegram-avatar-bot: %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "buildTime: %s\n", buildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "gitCommit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "goVersion: %s\n", runtime.Version())
		},
	}
}
