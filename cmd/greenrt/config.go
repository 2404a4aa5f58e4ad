package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective runtime configuration as TOML",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			log.Fatal().Err(err).Msg("Couldn't load configuration")
		}
		if err := cfg.Encode(os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("Couldn't encode configuration")
		}
	},
}

func init() {
	addConfigFlags(configCmd)
}
