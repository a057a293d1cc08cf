// Command apexd wires apex's engine packages together: index, verifier,
// hook sandbox, and installer. It exposes only the composition
// root and a resume-on-startup check; package-management UX (an
// interactive CLI, a `apex install` verb surface) is a separate, external
// concern this binary does not provide.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apexpm/apex/internal/config"
	"github.com/apexpm/apex/internal/hooksandbox"
	"github.com/apexpm/apex/internal/index"
	"github.com/apexpm/apex/internal/installer"
	"github.com/apexpm/apex/internal/logging"
	"github.com/apexpm/apex/internal/verifier"
	"github.com/rs/zerolog"
)

func main() {
	var (
		root        string
		logJSON     bool
		showVersion bool
	)

	flag.StringVar(&root, "root", "/", "install root directory")
	flag.BoolVar(&logJSON, "log-json", false, "emit JSON logs instead of console-formatted logs")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("apexd (development build)")
		os.Exit(0)
	}

	cfg := config.Default(root)
	cfg.LogJSON = logJSON

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := logging.New(logging.Config{Level: level, JSONOutput: cfg.LogJSON})
	ctx := logging.WithContext(context.Background(), logger)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("apexd exited with error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.Component(ctx, "apexd")

	for _, dir := range []string{cfg.CacheDir, cfg.StageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	store, err := index.Open(cfg.IndexDB)
	if err != nil {
		return err
	}
	defer store.Close()

	trust := verifier.NewTrustStore()
	hooks := hooksandbox.NewRunner()

	// Fetcher is constructed by the caller of TransactionRunner once
	// repositories (and thus mirror lists) are known; apexd's startup
	// path only needs to check for and resume transactions a prior run
	// left pending.
	runner := installer.NewTransactionRunner(store, nil, trust, nil, hooks, cfg.RootDir, cfg.CacheDir, cfg.StageDir, cfg.LockFile)

	if err := runner.ResumePending(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to resume a pending transaction from a prior run")
	}

	log.Info().Str("root", cfg.RootDir).Msg("apexd ready")

	<-ctx.Done()

	log.Info().Msg("apexd shutting down")

	return nil
}
