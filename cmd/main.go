// Package main is the entry point for the completion gateway.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/relayforge/completion-gateway/internal/config"
	"github.com/relayforge/completion-gateway/internal/gateway"
	"github.com/relayforge/completion-gateway/internal/monitoring"
)

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "completion-gateway", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env can override
	_ = godotenv.Load()
}

// resolveConfigPath checks the user flag, then standard locations.
func resolveConfigPath(userConfig string) (string, error) {
	if userConfig != "" {
		if _, err := os.Stat(userConfig); err != nil {
			return "", err
		}
		return userConfig, nil
	}

	searchPaths := []string{"configs/config.yaml", "config.yaml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(homeDir, ".config", "completion-gateway", "config.yaml"))
	}
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", os.ErrNotExist
}

// setupLogging applies the configured level and format. With no explicit
// format, a terminal gets console output and everything else gets JSON.
func setupLogging(cfg config.LoggerConfig, debug bool) {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	format := cfg.Format
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "console"
		}
	}
	monitoring.Global(monitoring.LoggerConfig{
		Level:  level,
		Format: format,
		Output: cfg.Output,
	})
}

func main() {
	loadEnvFiles()

	configPath := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("no config file found, specify --config path")
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("config", path).Msg("failed to load configuration")
	}
	setupLogging(cfg.Logging, *debug)

	log.Info().
		Str("config", path).
		Int("port", cfg.Server.Port).
		Int("models", len(cfg.Models)).
		Msg("completion gateway starting")

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build gateway")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}
	log.Info().Msg("completion gateway stopped")
}
