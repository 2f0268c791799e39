package main

import (
	"fmt"
	"time"

	"github.com/danmuck/bridgectl/internal/protocol/envelope"
	"github.com/spf13/cobra"
)

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ask the server for its liveness report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, release, err := a.client()
			if err != nil {
				return err
			}
			defer release()

			resp, err := c.Request(cmd.Context(), envelope.Request{Type: envelope.TypeHealth})
			if err != nil {
				return err
			}
			h := resp.Health
			return a.print(h, fmt.Sprintf("status=%s instance=%s uptime=%s requests=%d",
				h.Status, h.InstanceID, time.Duration(h.UptimeMS)*time.Millisecond, h.Requests))
		},
	}
}

func newMetricsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Fetch the server's metrics in prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, release, err := a.client()
			if err != nil {
				return err
			}
			defer release()

			resp, err := c.Request(cmd.Context(), envelope.Request{Type: envelope.TypeMetrics})
			if err != nil {
				return err
			}
			return a.print(resp, resp.Metrics)
		},
	}
}
