package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-sentinel/internal/discovery"
)

func discoverCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List Dante nodes, USB audio interfaces and capture devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			// the report goes to stdout
			logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

			report := discovery.Run(cmd.Context(), discovery.Config{
				Timeout:      cfg.Discovery.Timeout,
				DanteService: cfg.Discovery.DanteService,
				Domain:       cfg.Discovery.Domain,
			}, logger)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
