package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath string
	logFormat  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "davkeeper",
	Short: "davkeeper keeps WebDAV credentials for browser editing sessions",
	Long: `davkeeper holds the WebDAV credentials of browser editing sessions in memory,
encrypted, and opens authenticated connections to WebDAV servers on their behalf.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}
