package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/device"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Host owns the platform BLE device shared by scanning and connections.
type Host struct {
	dev       ble.Device
	logger    *logrus.Logger
	transport *Transport
}

// Open creates the platform device. A missing or powered-off adapter yields
// device.ErrTransportUnavailable.
func Open(logger *logrus.Logger) (*Host, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("%w: %w", device.ErrTransportUnavailable, NormalizeError(err))
	}
	return &Host{dev: dev, logger: logger}, nil
}

// Transport returns the connection transport of this host, creating it on first use.
func (h *Host) Transport(opts *TransportOptions) *Transport {
	if h.transport == nil {
		h.transport = NewTransport(h.logger, opts, func(ctx context.Context, addr string) (Client, error) {
			client, err := h.dev.Dial(ctx, ble.NewAddr(addr))
			if err != nil {
				return nil, err
			}
			return client, nil
		})
	}
	return h.transport
}

// AdvertisementSource returns a scan source backed by this host.
func (h *Host) AdvertisementSource() *AdvertisementSource {
	return NewAdvertisementSource(h.logger, h.dev.Scan)
}

// Close tears down every open link and stops the platform device.
func (h *Host) Close() error {
	if h.transport != nil {
		h.transport.CloseAll()
	}
	if err := h.dev.Stop(); err != nil {
		return NormalizeError(err)
	}
	return nil
}
