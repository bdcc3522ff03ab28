package main

import (
	"log/slog"
	"strings"

	"btclient/internal/config"
	"btclient/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BTCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var logLevel string

	root := &cobra.Command{
		Use:   "btclient",
		Short: "A BitTorrent download and seed client",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLevel(parseLevel(logLevel))
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	config.RegisterFlags(root.PersistentFlags(), v)

	root.AddCommand(newDownloadCmd(v))
	root.AddCommand(newSeedCmd(v))
	root.AddCommand(newInfoCmd())

	return root
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
