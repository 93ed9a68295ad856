package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "pricequorum",
	Short: "Consensus price oracle service",
	Long: `pricequorum serves consensus asset prices over HTTP by combining
readings from independent on-chain oracle feeds. Every served quote is
backed by sources that agreed within a tight tolerance, were recently
published and carried a small uncertainty of their own.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (trace|debug|info|warn|error); overrides LOG_LEVEL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(feedsCmd)
	rootCmd.AddCommand(healthCmd)
}

// setupLogging configures zerolog: human-readable console output when
// stderr is a terminal, structured JSON otherwise.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
		log.Warn().Str("level", level).Msg("unknown log level, using info")
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
