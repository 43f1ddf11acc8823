package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"postpipe/internal/config"
)

var (
	cfgPath  string
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "postpipe",
	Short: "Scheduled content publication engine",
	Long: `postpipe turns keyword batches into scheduled posts: it plans publish
slots, generates content through the content sidecar and publishes it
through the automation sidecar, one queue pair per account.

Settings come from the config file (JSON or YAML) with POSTPIPE_*
environment variables layered on top. .env files are loaded first.

Examples:
  postpipe serve -c ./config.yaml
  postpipe plan --keywords coffee,tea --date 2025-03-01
  postpipe validate -c ./config.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotenv(envFiles...)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load; missing files are skipped")

	rootCmd.AddCommand(serveCmd, planCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
