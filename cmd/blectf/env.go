package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	goble "github.com/srg/blectf/internal/device/go-ble"
	"github.com/srg/blectf/internal/gatt"
	"github.com/srg/blectf/pkg/config"
	"github.com/srg/blectf/scanner"
)

// adapter bundles what the commands need from the host Bluetooth stack.
type adapter struct {
	transport gatt.Transport
	source    scanner.Source
	close     func() error
}

// openAdapter opens the platform BLE device (can be overridden in tests)
var openAdapter = func(cfg *config.Config, logger *logrus.Logger) (*adapter, error) {
	host, err := goble.Open(logger)
	if err != nil {
		return nil, err
	}
	transport := host.Transport(&goble.TransportOptions{
		ConnectTimeout: cfg.ConnectTimeout,
		LegacyWrites:   cfg.LegacyWrites(),
		EventBuffer:    cfg.StreamBuffer,
	})
	return &adapter{
		transport: transport,
		source:    host.AdvertisementSource(),
		close:     host.Close,
	}, nil
}

// environment is the per-invocation state shared by every command.
type environment struct {
	cfg     *config.Config
	logger  *logrus.Logger
	adapter *adapter
}

// setup loads the config, configures logging and opens the adapter.
// The returned cleanup releases the adapter.
func setup(cmd *cobra.Command) (*environment, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	a, err := openAdapter(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if a.close == nil {
			return
		}
		if err := a.close(); err != nil {
			logger.WithError(err).Warn("Failed to close BLE adapter")
		}
	}
	return &environment{cfg: cfg, logger: logger, adapter: a}, cleanup, nil
}
