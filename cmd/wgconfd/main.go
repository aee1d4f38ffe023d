// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sharedco/wgconfd/internal/cache"
	"github.com/sharedco/wgconfd/internal/config"
	"github.com/sharedco/wgconfd/internal/debugserver"
	"github.com/sharedco/wgconfd/internal/device"
	"github.com/sharedco/wgconfd/internal/engine"
	"github.com/sharedco/wgconfd/internal/metrics"
	"github.com/sharedco/wgconfd/internal/sourcedoc"
	"github.com/sharedco/wgconfd/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	cmdlineMode  bool
	checkSource  string
	debugListen  string
)

var rootCmd = &cobra.Command{
	Use:     "wgconfd IFNAME CONFIG_PATH",
	Short:   "wgconfd - reconciles a WireGuard interface's peers against remote catalogs",
	Version: version.Info(),
	Args:    cobra.ArbitraryArgs,
	RunE:    run,
}

func init() {
	rootCmd.Flags().BoolVar(&cmdlineMode, "cmdline", false, "parse arguments as the --cmdline argv grammar instead of IFNAME CONFIG_PATH")
	rootCmd.Flags().StringVar(&checkSource, "check-source", "", "parse and validate a single source document, then exit")
	rootCmd.Flags().StringVar(&debugListen, "debug-listen", "127.0.0.1:7472", "loopback address for the read-only debug/metrics server")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if checkSource != "" {
		return runCheckSource(checkSource)
	}
	if len(args) == 0 {
		return cmd.Help()
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger := log.New(os.Stderr, "wgconfd: ", log.LstdFlags)

	sink, err := device.NewWgctrlSink(cfg.Interface)
	if err != nil {
		return fmt.Errorf("open device sink: %w", err)
	}
	defer sink.Close()

	if err := device.CheckInterfaceExists(cfg.Interface); err != nil {
		return fmt.Errorf("startup check: %w", err)
	}

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	debug := debugserver.New(debugListen, cfg.Interface, reg)

	fetcher := cache.NewDefaultFetcher(fetchTimeout(cfg.RefreshSec))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := engine.New(ctx, engine.Options{
		Config:  cfg,
		Fetcher: fetcher,
		Sink:    sink,
		Metrics: collectors,
		Debug:   debug,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Printf("shutting down (run_id=%s)", debug.RunID())
		cancel()
	}()

	go func() {
		if err := debug.ListenAndServe(ctx); err != nil {
			logger.Printf("debug server error: %v", err)
		}
	}()

	logger.Printf("starting wgconfd on %s (run_id=%s, debug=%s)", cfg.Interface, debug.RunID(), debugListen)
	if err := e.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("engine stopped: %w", err)
	}
	return nil
}

func loadConfig(args []string) (*config.Global, error) {
	if cmdlineMode {
		if len(args) < 1 {
			return nil, fmt.Errorf("--cmdline requires IFNAME followed by argv tokens")
		}
		return config.ParseCmdline(args[0], args[1:])
	}

	if len(args) != 2 {
		return nil, fmt.Errorf("file mode requires exactly IFNAME CONFIG_PATH")
	}
	return config.LoadFile(args[0], args[1])
}

// fetchTimeout is max(refresh_sec/2, 30s), per spec.md §6.
func fetchTimeout(refreshSec int) time.Duration {
	half := time.Duration(refreshSec) * time.Second / 2
	if half < 30*time.Second {
		return 30 * time.Second
	}
	return half
}

func runCheckSource(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	doc, err := sourcedoc.Parse(data)
	if err != nil {
		return fmt.Errorf("invalid source document: %w", err)
	}

	depth := 0
	cur := doc
	for cur.Next != nil {
		depth++
		cur = cur.Next
	}

	fmt.Printf("ok: %d server(s), %d road warrior(s), %d scheduled successor(s)\n",
		len(doc.Servers), len(doc.RoadWarriors), depth)
	return nil
}
