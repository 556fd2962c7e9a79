package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"printqueue/internal/app"
	"printqueue/internal/config"
)

func main() {
	log.SetPrefix("[printqueue] ")
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// run is main without the process exit, so flag handling can be tested.
func run(args []string) error {
	cfg, err := loadConfig(args, os.Stderr)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	if err := application.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
		defer stopCancel()
		application.Stop(stopCtx)
		return fmt.Errorf("application error: %w", err)
	}
	log.Printf("Listening on %s", application.GetAddr())

	sig := <-signalCh
	log.Printf("Received signal %v, shutting down gracefully", sig)

	// The hub must keep running until Stop has closed the HTTP side, so the
	// base context is not cancelled first.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// loadConfig resolves defaults, environment and the optional config file
// named by -config or PRINTQUEUE_CONFIG_FILE. The flag wins.
func loadConfig(args []string, output io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("printqueue", flag.ContinueOnError)
	fs.SetOutput(output)
	path := fs.String("config", os.Getenv("PRINTQUEUE_CONFIG_FILE"), "path to a JSON or TOML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if *path == "" {
		cfg := config.LoadFromEnv()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.LoadConfigWithPrecedence(*path)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded configuration from %s", *path)
	return cfg, nil
}
