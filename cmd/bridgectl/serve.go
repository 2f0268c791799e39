package main

import (
	"strings"

	"github.com/danmuck/bridgectl/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reply server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("listen") {
				cfg.Server.Endpoint = strings.TrimSpace(listen)
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			svc, err := cfg.NewService()
			if err != nil {
				return err
			}
			return svc.RunContext(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", server.DefaultEndpoint, "bind endpoint")
	return cmd
}
