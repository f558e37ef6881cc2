package cmd

import (
	"github.com/bryntje/warden/warden"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Warden bot and dashboard API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := warden.New(cfg)
			if err != nil {
				log.Fatalf("error creating warden: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running warden: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
