// Package main is the operator CLI. serve runs the whole service in one
// process for local development; the other commands help operate a
// deployment.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/logging"
)

var envFileFlag string

var rootCmd = &cobra.Command{
	Use:   "tryon-web",
	Short: "Virtual try-on service and operator tools",
	Long: `tryon-web runs the virtual try-on service locally and provides a few
operator commands.

Examples:
  tryon-web serve --port 8080
  tryon-web serve --mode async
  tryon-web validate-key
  tryon-web token --user 42 --ttl 24h
  tryon-web warnings`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init()
		return config.LoadDotenv(envFileFlag)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Environment file loaded before configuration")
	rootCmd.AddCommand(serveCmd, validateKeyCmd, tokenCmd, warningsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
