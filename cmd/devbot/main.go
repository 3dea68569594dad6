// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command devbot runs the WhatsApp bot connection supervisor. It keeps one
// gateway session alive, recovers from session corruption and conflicts, and
// exposes status and a manual reset over a small admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/devbot/pkg/supervisor"
	"github.com/aiku/devbot/pkg/supervisor/notify"
	"github.com/aiku/devbot/pkg/supervisor/sessionstore"
	"github.com/aiku/devbot/pkg/supervisor/wsgateway"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var version = flag.MakeFull("v", "version", "View devbot version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"devbot - WhatsApp bot connection supervisor.",
		"devbot [-hnv] [-c <path>]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("devbot %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := loadConfig(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)

	if err = run(cfg, *log); err != nil {
		log.Error().Err(err).Msg("devbot exited with errors")
		os.Exit(1)
	}
}

// loadConfig writes the example config if the file doesn't exist yet, then
// upgrades it onto the current example and parses it.
func loadConfig(path string, save bool) (*supervisor.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err = os.WriteFile(path, []byte(supervisor.ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, supervisor.ConfigUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg supervisor.Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func run(cfg *supervisor.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("gateway", cfg.Gateway.URL).
		Str("session_path", cfg.Session.Path).
		Msg("Starting devbot")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}

	dialer := wsgateway.NewDialer(wsgateway.Options{
		URL:        cfg.Gateway.URL,
		ClientName: cfg.Gateway.ClientName,
		OnQR:       qrPrinter(cfg.Gateway.PrintQR, log),
		Log:        log,
	})

	sup := supervisor.New(supervisor.Params{
		Config:        cfg.Supervisor,
		Dialer:        dialer,
		Store:         sessionstore.New(&sessionstore.DirBackend{Path: cfg.Session.Path}, log),
		Notifier:      notifier,
		Alerter:       notifier,
		NotifyTimeout: cfg.Notify.Timeout,
		Registerer:    reg,
		Log:           log,
	})

	coord := &supervisor.Coordinator{
		Supervisor:  sup,
		GracePeriod: cfg.Shutdown.GracePeriod,
		Log:         log,
	}
	if cfg.AdminAPI.Enabled {
		api := supervisor.NewAdminAPI(cfg.AdminAPI.Addr, sup, reg, log)
		api.Start()
		coord.Closers = append(coord.Closers, api.Shutdown)
	}

	go func() {
		if err := sup.Start(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Initial connection attempt failed")
		}
	}()
	return coord.Wait(context.Background())
}

func buildNotifier(cfg *supervisor.Config, log zerolog.Logger) (*notify.Multi, error) {
	multi := &notify.Multi{}
	if cfg.Notify.Presence {
		multi.Notifiers = append(multi.Notifiers, notify.Presence{})
	}
	if cfg.Notify.Mattermost.Enabled {
		mm := notify.NewMattermost(cfg.Notify.Mattermost.MattermostConfig, cfg.Notify.Messages, log)
		multi.Notifiers = append(multi.Notifiers, mm)
		multi.Alerters = append(multi.Alerters, mm)
	}
	if cfg.Notify.Matrix.Enabled {
		mx, err := notify.NewMatrix(cfg.Notify.Matrix.MatrixConfig, cfg.Notify.Messages, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create matrix notifier: %w", err)
		}
		multi.Notifiers = append(multi.Notifiers, mx)
		multi.Alerters = append(multi.Alerters, mx)
	}
	return multi, nil
}

func qrPrinter(enabled bool, log zerolog.Logger) func(code string) {
	return func(code string) {
		if !enabled {
			log.Info().Str("code", code).Msg("Pairing code received, scan it from WhatsApp on your phone")
			return
		}
		qr, err := qrcode.New(code, qrcode.Low)
		if err != nil {
			log.Error().Err(err).Msg("Failed to render pairing QR code")
			return
		}
		_, _ = fmt.Fprintln(os.Stdout, qr.ToSmallString(false))
		log.Info().Msg("Scan the QR code above from WhatsApp on your phone")
	}
}
