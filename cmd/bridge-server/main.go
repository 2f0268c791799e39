package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/bridgectl/internal/config"
	"github.com/danmuck/bridgectl/internal/logging"
	"github.com/danmuck/bridgectl/internal/observability"
)

func main() {
	path := flag.String("config", "", "TOML config file")
	envFile := flag.String("env-file", ".env", "dotenv file")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := config.LoadDotEnv(*envFile); err != nil {
		fail(err)
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fail(err)
	}
	if err := cfg.ValidateServer(); err != nil {
		fail(err)
	}
	observability.SetEnabled(cfg.Metrics)

	svc, err := cfg.NewService()
	if err != nil {
		fail(err)
	}
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "bridge-server: %v\n", err)
	os.Exit(1)
}
