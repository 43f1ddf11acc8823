package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"postpipe/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and environment overrides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		rt, err := cfg.Resolve()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: storage=%s session=%s slots=%s timezone=%s dry_run=%t\n",
			rt.Storage.Driver, rt.Session.Driver, rt.Orchestrator.Slots.Mode, rt.Location, rt.DryRun)
		return nil
	},
}
