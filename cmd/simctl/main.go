// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/luxfi/simctl"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

type runConfig struct {
	server   string
	token    string
	firmware string
	elf      string
	diagram  string
	chips    []string
	runFor   time.Duration
	quiet    bool
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "simctl").
		Str("version", version).
		Logger()
}

func main() {
	// A .env file is optional; real environment variables win either way.
	_ = godotenv.Load()

	serverFlag := flag.String("server", "", "server URL (default $SIMCTL_SERVER or the public endpoint)")
	tokenFlag := flag.String("token", "", "API token (default $SIMCTL_TOKEN)")
	firmware := flag.String("firmware", "", "firmware image: local file, flasher_args.json manifest, or http(s) URL")
	elf := flag.String("elf", "", "ELF file matching the firmware, for source-level diagnostics")
	diagram := flag.String("diagram", "diagram.json", "diagram file describing the simulated hardware")
	chips := flag.String("chips", "", "comma-separated custom chip names to load")
	runFor := flag.Duration("run", 0, "virtual time to run before exiting (0 runs until interrupted)")
	quiet := flag.Bool("quiet", false, "suppress serial console output")
	logLevel := flag.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("simctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := newLogger(*logLevel)

	token := *tokenFlag
	if token == "" {
		token = os.Getenv(simctl.EnvToken)
	}
	if token == "" {
		logger.Fatal().
			Str("event", "config.missing_token").
			Msgf("no API token: set %s or pass -token (tokens: %s)", simctl.EnvToken, simctl.TokenURL)
	}

	server := *serverFlag
	if server == "" {
		server = simctl.ServerURLFromEnv()
	}

	if *firmware == "" {
		logger.Fatal().
			Str("event", "config.missing_firmware").
			Msg("no firmware: pass -firmware with a file, flasher_args.json manifest, or URL")
	}

	cfg := runConfig{
		server:   server,
		token:    token,
		firmware: *firmware,
		elf:      *elf,
		diagram:  *diagram,
		runFor:   *runFor,
		quiet:    *quiet,
	}
	for _, chip := range strings.Split(*chips, ",") {
		if chip = strings.TrimSpace(chip); chip != "" {
			cfg.chips = append(cfg.chips, chip)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "simctl.failed").
			Msg("simulation run failed")
	}
}

// loadFirmware resolves the -firmware argument into image bytes plus the
// name it is uploaded under.
func loadFirmware(ctx context.Context, src string) (string, []byte, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		data, err := simctl.FetchArtifact(ctx, src)
		if err != nil {
			return "", nil, err
		}
		name := "firmware.bin"
		if u, err := url.Parse(src); err == nil {
			if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
				name = base
			}
		}
		return name, data, nil
	}
	if filepath.Base(src) == "flasher_args.json" {
		data, err := simctl.ResolveIDFFirmware(src)
		if err != nil {
			return "", nil, err
		}
		return "firmware.bin", data, nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", nil, fmt.Errorf("read firmware: %w", err)
	}
	return filepath.Base(src), data, nil
}

func run(ctx context.Context, logger zerolog.Logger, cfg runConfig) error {
	firmwareName, firmwareData, err := loadFirmware(ctx, cfg.firmware)
	if err != nil {
		return err
	}

	diagramData, err := os.ReadFile(cfg.diagram)
	if err != nil {
		return fmt.Errorf("read diagram: %w", err)
	}

	var elfName string
	var elfData []byte
	if cfg.elf != "" {
		elfData, err = os.ReadFile(cfg.elf)
		if err != nil {
			return fmt.Errorf("read elf: %w", err)
		}
		elfName = filepath.Base(cfg.elf)
	}

	client := simctl.NewClient(cfg.token,
		simctl.WithServerURL(cfg.server),
		simctl.WithLogger(logger),
		simctl.WithClientID("simctl-cli/"+version),
	)
	info, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	logger.Info().
		Str("event", "simctl.connected").
		Str("app", info.AppName).
		Str("server_version", info.AppVersion).
		Msg("connected to simulator")

	// The diagram always lands under its canonical name.
	if err := client.Upload(ctx, "diagram.json", diagramData); err != nil {
		return err
	}
	if err := client.Upload(ctx, firmwareName, firmwareData); err != nil {
		return err
	}
	if elfName != "" {
		if err := client.Upload(ctx, elfName, elfData); err != nil {
			return err
		}
	}

	err = client.StartSimulation(ctx, simctl.SimStartParams{
		Firmware: firmwareName,
		ELF:      elfName,
		Chips:    cfg.chips,
	})
	if err != nil {
		return err
	}
	logger.Info().
		Str("event", "simctl.started").
		Str("firmware", firmwareName).
		Msg("simulation running")

	if !cfg.quiet {
		go func() {
			err := client.SerialTee(ctx, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug().
					Str("event", "simctl.serial_exit").
					Err(err).
					Msg("serial stream ended")
			}
		}()
	}

	if cfg.runFor > 0 {
		if err := client.WaitUntilSimulationTime(ctx, cfg.runFor); err != nil {
			return err
		}
		logger.Info().
			Str("event", "simctl.finished").
			Dur("virtual_time", cfg.runFor).
			Msg("target simulation time reached")
		return nil
	}

	select {
	case <-ctx.Done():
		logger.Info().
			Str("event", "simctl.interrupted").
			Msg("shutting down")
		return nil
	case <-client.Done():
		return fmt.Errorf("session ended unexpectedly")
	}
}
