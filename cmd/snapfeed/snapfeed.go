package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"

	"github.com/snapfeed/snapfeed/server/agent"
	"github.com/snapfeed/snapfeed/server/config"
)

func main() {
	parser := argparse.NewParser("snapfeed", "Forward camera snapshots to a remote server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "snapfeed.json"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	a, err := agent.NewAgent(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("Received signal %v, shutting down", sig)
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		cancel()
	}()

	// Tell systemd that we're alive.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := a.Run(ctx); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
