package main

import (
	"bytes"
	"strings"

	"github.com/danmuck/bridgectl/internal/bench"
	"github.com/spf13/cobra"
)

func newBenchCmd(a *app) *cobra.Command {
	cfg := bench.DefaultConfig()
	var paranoid bool
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive load through the bridge and report latency percentiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, release, err := a.client()
			if err != nil {
				return err
			}
			defer release()

			call := bench.Caller(c.Request)
			if paranoid {
				call = c.ParanoidRequest
			}
			if cmd.Flags().Changed("duration") && !cmd.Flags().Changed("requests") {
				cfg.Requests = 0
			}
			res, err := bench.Run(cmd.Context(), cfg, call)
			if err != nil {
				return err
			}
			var text bytes.Buffer
			if err := res.WriteText(&text); err != nil {
				return err
			}
			return a.print(res, strings.TrimRight(text.String(), "\n"))
		},
	}
	fl := cmd.Flags()
	fl.DurationVarP(&cfg.Duration, "duration", "d", 0, "run for this long instead of a fixed request count")
	fl.IntVarP(&cfg.Requests, "requests", "n", cfg.Requests, "number of requests")
	fl.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "concurrent workers")
	fl.IntVar(&cfg.PayloadSize, "size", cfg.PayloadSize, "matrix side length")
	fl.Float64Var(&cfg.Rate, "rate", 0, "requests per second cap (0 = unlimited)")
	fl.Int64Var(&cfg.Seed, "seed", cfg.Seed, "payload random seed")
	fl.BoolVar(&paranoid, "paranoid", false, "use the heartbeat tier")
	return cmd
}
