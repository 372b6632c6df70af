package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string      { return a.adv.Addr().String() }

// Services returns the advertised service UUIDs in normalized form.
func (a *BLEAdvertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = bledb.NormalizeUUID(u.String())
	}
	return out
}

// ScanFunc matches ble.Device.Scan.
type ScanFunc func(ctx context.Context, allowDup bool, h ble.AdvHandler) error

// AdvertisementSource feeds go-ble advertisements to the scanner.
type AdvertisementSource struct {
	scan   ScanFunc
	logger *logrus.Logger
}

// NewAdvertisementSource creates a source over scan.
func NewAdvertisementSource(logger *logrus.Logger, scan ScanFunc) *AdvertisementSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdvertisementSource{scan: scan, logger: logger}
}

// Scan blocks until ctx is done. Cancellation is a normal stop and returns nil.
func (s *AdvertisementSource) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	s.logger.WithField("allow_duplicates", allowDup).Debug("Starting BLE scan")
	err := s.scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return NormalizeError(err)
}
