package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/bridgectl/internal/bridge"
	"github.com/danmuck/bridgectl/internal/config"
	"github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/observability"
	"github.com/danmuck/bridgectl/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	ConfigPath string
	EnvFile    string
	Endpoint   string
	Transport  string
	Timeout    time.Duration
	Retries    int
	Output     string
	Verbose    bool
}

type app struct {
	flags globalFlags
	cfg   config.Config
	out   io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Reliable request/reply client and server for the matrix bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.ConfigPath, "config", "c", "", "TOML config file")
	pf.StringVar(&a.flags.EnvFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	pf.StringVarP(&a.flags.Endpoint, "endpoint", "e", "", "bridge endpoint (overrides config and "+config.EnvEndpoint+")")
	pf.StringVar(&a.flags.Transport, "transport", "", "transport driver: frame|zmq")
	pf.DurationVar(&a.flags.Timeout, "timeout", 0, "per-attempt timeout")
	pf.IntVar(&a.flags.Retries, "retries", 0, "maximum attempts")
	pf.StringVarP(&a.flags.Output, "output", "o", "text", "output format: text|json")
	pf.BoolVarP(&a.flags.Verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRequestCmd(a, false),
		newRequestCmd(a, true),
		newHealthCmd(a),
		newMetricsCmd(a),
		newBenchCmd(a),
		newServeCmd(a),
	)
	return root
}

// load resolves config in precedence order: defaults, file, dotenv and
// environment, then flags.
func (a *app) load(cmd *cobra.Command) error {
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	logCfg.Level = zerolog.WarnLevel
	if a.flags.Verbose {
		logCfg.Level = zerolog.DebugLevel
	}
	logging.ConfigureWith(logCfg)

	if err := config.LoadDotEnv(a.flags.EnvFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.flags.ConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("endpoint") {
		cfg.Client.Endpoint = strings.TrimSpace(a.flags.Endpoint)
	}
	if cmd.Flags().Changed("transport") {
		driver, err := transport.ParseDriver(a.flags.Transport)
		if err != nil {
			return err
		}
		cfg.Transport.Driver = driver
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Client.Timeout = a.flags.Timeout
	}
	if cmd.Flags().Changed("retries") {
		cfg.Client.MaxRetries = a.flags.Retries
	}
	switch a.flags.Output {
	case "text", "json":
	default:
		return fmt.Errorf("unknown output format %q", a.flags.Output)
	}
	observability.SetEnabled(cfg.Metrics)
	a.cfg = cfg
	return nil
}

// client builds a bridge client over the process-wide transport context.
// The returned func releases it.
func (a *app) client() (*bridge.Client, func(), error) {
	if err := a.cfg.ValidateClient(); err != nil {
		return nil, nil, err
	}
	tctx, err := transport.Init(a.cfg.Transport)
	if err != nil {
		return nil, nil, err
	}
	release := func() { _ = transport.Shutdown() }
	codec, err := a.cfg.NewCodec()
	if err != nil {
		release()
		return nil, nil, err
	}
	c, err := bridge.New(a.cfg.Client, bridge.WithDriver(tctx), bridge.WithCodec(codec))
	if err != nil {
		release()
		return nil, nil, err
	}
	return c, release, nil
}

func (a *app) print(v any, text string) error {
	if a.flags.Output == "json" {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(a.out, text)
	return err
}
