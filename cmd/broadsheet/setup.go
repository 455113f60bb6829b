package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/config"
	"github.com/jackzampolin/broadsheet/internal/home"
)

var setupForce bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Initialize the broadsheet home directory",
	Long: `Create the home directory layout and write a default config file.

Examples:
  broadsheet setup
  broadsheet setup --home /data/broadsheet`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		wroteConfig := false
		if !h.ConfigExists() || setupForce {
			if err := config.WriteDefault(h.ConfigPath()); err != nil {
				return err
			}
			wroteConfig = true
		}

		// Open once so the databases exist with their schemas applied.
		_, cleanup, err := openServices(cmd.Context())
		if err != nil {
			return err
		}
		cleanup()

		return output(map[string]any{
			"home":           h.Path(),
			"config":         h.ConfigPath(),
			"config_written": wroteConfig,
		})
	},
}

func init() {
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(setupCmd)
}
