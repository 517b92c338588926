package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/logger"

	htshare "github.com/sammck-go/httptunnel/share"
)

func logLevelFromName(name string) logger.LogLevel {
	switch name {
	case "error":
		return logger.LogLevelError
	case "warning":
		return logger.LogLevelWarning
	case "debug":
		return logger.LogLevelDebug
	case "trace":
		return logger.LogLevelTrace
	default:
		return logger.LogLevelInfo
	}
}

func run() error {
	cfg, err := htshare.LoadBrokerConfig()
	if err != nil {
		return fmt.Errorf("bad configuration: %s", err)
	}

	log, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logLevelFromName(cfg.LogLevel)),
		logger.WithPrefix("httptunnel"),
	)
	if err != nil {
		return fmt.Errorf("could not create logger: %s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return htshare.NewServer(log, cfg).Run(ctx)
}

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "httptunnel: %s\n", err)
		os.Exit(1)
	}
}
