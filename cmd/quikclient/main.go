package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/danmuck/quikwire/internal/config"
	"github.com/danmuck/quikwire/internal/logging"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "client config (.toml, .yaml, .yml or .json)")
	initPath := flag.String("init", "", "write an example config to this path and exit")
	force := flag.Bool("force", false, "overwrite an existing file with -init")
	validate := flag.Bool("validate", false, "validate -config and exit")
	host := flag.String("host", config.DefaultHost, "bridge host")
	port := flag.Int("port", config.DefaultPort, "bridge port")
	exchangeLog := flag.String("exchange-log", "", "append raw traffic to this file")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	updates := flag.Int("updates", 0, "update callbacks to collect before closing")
	flag.Parse()

	logging.ConfigureRuntime()

	if *initPath != "" {
		if err := config.WriteTemplate(*initPath, *force); err != nil {
			fail(err)
		}
		pterm.Success.Printfln("wrote example config to %s", *initPath)
		return
	}

	cfg, err := resolveConfig(*configPath, func(set func(name string) bool, cfg *config.ClientConfig) {
		if set("host") {
			cfg.Host = config.NormalizeHost(*host)
		}
		if set("port") {
			cfg.Port = *port
		}
		if set("exchange-log") {
			cfg.ExchangeLog = *exchangeLog
		}
		if set("metrics") {
			cfg.MetricsAddr = *metricsAddr
		}
		if set("updates") {
			cfg.Updates = *updates
		}
	})
	if err != nil {
		fail(err)
	}
	if *validate {
		pterm.Success.Printfln("config ok: %s", cfg.Addr())
		return
	}

	pterm.Info.Println(fmt.Sprintf("quikwire client v%s -> %s", version, cfg.Addr()))
	pterm.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg)
	printResult(res)
	if err != nil {
		fail(err)
	}
}

// resolveConfig loads path (or the defaults) and lets explicitly set flags
// override it.
func resolveConfig(path string, override func(set func(string) bool, cfg *config.ClientConfig)) (config.ClientConfig, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg = loaded
	}
	visited := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { visited[f.Name] = true })
	override(func(name string) bool { return visited[name] }, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.ClientConfig{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

func fail(err error) {
	pterm.Error.Println(err.Error())
	os.Exit(1)
}
