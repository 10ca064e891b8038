package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gaspardpetit/mcpgate/internal/config"
	"github.com/gaspardpetit/mcpgate/internal/gateway"
	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/metrics"
	"github.com/gaspardpetit/mcpgate/internal/stdio"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.GatewayConfig
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcpgate version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		// stdout is free here; no protocol session has started.
		fmt.Printf("mcpgate version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	os.Exit(run(cfg))
}

func run(cfg config.GatewayConfig) int {
	boot := logx.New(cfg.LogLevel, os.Stderr)
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			boot.Error().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
			return 1
		}
	}
	if cfg.MetricsAddr != "" && !strings.Contains(cfg.MetricsAddr, ":") {
		cfg.MetricsAddr = ":" + cfg.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		boot.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	log := logx.New(cfg.LogLevel, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			log.Warn().Msg("termination requested")
			cancel()
			return
		}
	}()

	m := metrics.New()
	m.SetBuildInfo(version, buildSHA, buildDate)

	out := stdio.NewWriter(os.Stdout)
	var marker io.Writer
	switch cfg.ReadyMarkerOutput {
	case config.MarkerStdout:
		marker = out
	case config.MarkerStderr:
		marker = os.Stderr
	}

	gw, err := gateway.New(gateway.Options{
		Config:   cfg,
		Logger:   log,
		Metrics:  m,
		Observer: &gateway.ReadyMarker{W: marker, Text: cfg.ReadyMarker},
	})
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	if cfg.MetricsAddr != "" {
		addr, err := metrics.ServeUntilContext(ctx, cfg.MetricsAddr, metrics.Handler(m, gw.Ready))
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener")
			return 1
		}
		log.Info().Str("addr", addr).Msg("metrics listening")
	}

	l := log.Info().Str("upstream", cfg.UpstreamURL).Str("server_name", cfg.ServerName).Dur("request_timeout", cfg.RequestTimeout)
	if cfg.Reconnect.Enabled {
		l = l.Int("reconnect_attempts", cfg.Reconnect.MaxAttempts)
	}
	l.Str("version", version).Msg("mcpgate starting")

	err = gw.Run(ctx, stdio.NewReader(os.Stdin, log), out)
	_ = out.Close()
	if err != nil {
		log.Error().Err(err).Msg("mcpgate exited")
		return 1
	}
	return 0
}
