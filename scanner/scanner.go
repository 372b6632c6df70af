// Package scanner discovers nearby peripherals and keeps a growing,
// address-deduplicated list of them in discovery order.
package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/groutine"
	"github.com/srg/blectf/internal/stream"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrScanInProgress is returned by Scan when the scanner is already running.
var ErrScanInProgress = errors.New("scan already in progress")

// Source delivers advertisements until ctx is done. A Source returns nil when
// the scan ended because ctx was cancelled.
type Source interface {
	Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	DuplicateFilter bool
	ServiceUUIDs    []string
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{DuplicateFilter: true}
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Scanner handles BLE device discovery
type Scanner struct {
	source Source
	opts   ScanOptions
	logger *logrus.Logger

	mu      sync.Mutex
	devices *orderedmap.OrderedMap[string, device.RemoteDevice]
	current *run
	lastErr error

	found    *stream.Value[[]device.RemoteDevice]
	scanning *stream.Value[bool]
}

// NewScanner creates a new BLE scanner over source
func NewScanner(source Source, logger *logrus.Logger, opts *ScanOptions) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	return &Scanner{
		source:   source,
		opts:     *opts,
		logger:   logger,
		devices:  orderedmap.New[string, device.RemoteDevice](),
		found:    stream.NewValue[[]device.RemoteDevice](nil, stream.DefaultCapacity),
		scanning: stream.NewValue(false, stream.DefaultCapacity),
	}
}

// Found streams the discovered device list; subscribers get the current list first.
func (s *Scanner) Found() *stream.Value[[]device.RemoteDevice] { return s.found }

// Scanning streams the scanning flag.
func (s *Scanner) Scanning() *stream.Value[bool] { return s.scanning }

// IsScanning reports whether a scan is running.
func (s *Scanner) IsScanning() bool { return s.scanning.Get() }

// Err returns the failure of the most recent scan, if any.
func (s *Scanner) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start begins scanning in the background. Starting a running scanner is a no-op.
// The device list is kept across scans; use Clear to reset it.
func (s *Scanner) Start(ctx context.Context) error {
	_, err := s.start(ctx)
	if errors.Is(err, ErrScanInProgress) {
		return nil
	}
	return err
}

func (s *Scanner) start(ctx context.Context) (*run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, ErrScanInProgress
	}

	scanCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.current = r
	s.lastErr = nil
	s.scanning.Set(true)

	s.logger.WithField("duplicate_filter", s.opts.DuplicateFilter).Info("Starting BLE scan...")
	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer close(r.done)
		err := s.source.Scan(ctx, !s.opts.DuplicateFilter, s.handleAdvertisement)
		s.finish(r, err)
	})
	return r, nil
}

func (s *Scanner) finish(r *run, err error) {
	r.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	r.err = err
	if err != nil {
		s.lastErr = err
		s.logger.WithField("error", err).Error("BLE scan failed")
	}
	if s.current == r {
		s.current = nil
		s.scanning.Set(false)
	}
	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
}

// Stop stops a running scan and waits for it to wind down. It is idempotent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	r := s.current
	s.current = nil
	if r != nil {
		s.scanning.Set(false)
	}
	s.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Scan runs a scan for duration (or until ctx is done when duration is 0)
// and returns the devices found so far.
func (s *Scanner) Scan(ctx context.Context, duration time.Duration) ([]device.RemoteDevice, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	r, err := s.start(ctx)
	if err != nil {
		return nil, err
	}
	<-r.done

	s.mu.Lock()
	err = r.err
	s.mu.Unlock()
	return s.Devices(), err
}

// Devices returns a snapshot of discovered devices in discovery order
func (s *Scanner) Devices() []device.RemoteDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Clear forgets every discovered device.
func (s *Scanner) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = orderedmap.New[string, device.RemoteDevice]()
	s.found.Set(nil)
}

// Close stops scanning and ends the streams.
func (s *Scanner) Close() {
	s.Stop()
	s.found.Close()
	s.scanning.Close()
}

func (s *Scanner) snapshotLocked() []device.RemoteDevice {
	out := make([]device.RemoteDevice, 0, s.devices.Len())
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// handleAdvertisement adds a device the first time its address is seen
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	addr := adv.Addr()
	if addr == "" || !s.shouldIncludeDevice(adv) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		// late callback after Stop
		return
	}
	if _, ok := s.devices.Get(addr); ok {
		return
	}
	dev := device.RemoteDevice{Address: addr, Name: adv.LocalName()}
	s.devices.Set(addr, dev)
	s.found.Set(s.snapshotLocked())

	s.logger.WithFields(logrus.Fields{
		"device":  dev.DisplayName(),
		"address": addr,
		"rssi":    adv.RSSI(),
	}).Info("Discovered new device")
}

// shouldIncludeDevice applies allow/block/service filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement) bool {
	addr := adv.Addr()

	for _, blocked := range s.opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(s.opts.AllowList) > 0 {
		allowed := false
		for _, a := range s.opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(s.opts.ServiceUUIDs) > 0 {
		advertised := bledb.NormalizeUUIDs(adv.Services())
		for _, required := range s.opts.ServiceUUIDs {
			want := bledb.NormalizeUUID(required)
			for _, u := range advertised {
				if u == want {
					return true
				}
			}
		}
		return false
	}

	return true
}
