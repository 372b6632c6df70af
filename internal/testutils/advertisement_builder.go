package testutils

import (
	"context"
	"sync"

	"github.com/srg/blectf/internal/device"
)

// Advertisement is a canned device.Advertisement.
type Advertisement struct {
	name        string
	addr        string
	rssi        int
	connectable bool
	services    []string
}

func (a *Advertisement) LocalName() string  { return a.name }
func (a *Advertisement) Addr() string       { return a.addr }
func (a *Advertisement) RSSI() int          { return a.rssi }
func (a *Advertisement) Connectable() bool  { return a.connectable }
func (a *Advertisement) Services() []string { return a.services }

// AdvertisementBuilder builds advertisements for scanner tests.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder starts a connectable advertisement at -50 dBm.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{rssi: -50, connectable: true}}
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.addr = addr
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.connectable = c
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.services = append([]string(nil), uuids...)
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	return &adv
}

// FakeScanSource replays advertisements to the scanner on demand.
type FakeScanSource struct {
	mu      sync.Mutex
	advs    chan device.Advertisement
	fail    chan error
	started chan bool
	scans   int
}

// NewFakeScanSource creates a source with the given advertisements queued.
func NewFakeScanSource(advs ...device.Advertisement) *FakeScanSource {
	s := &FakeScanSource{
		advs:    make(chan device.Advertisement, 64),
		fail:    make(chan error, 1),
		started: make(chan bool, 8),
	}
	for _, a := range advs {
		s.advs <- a
	}
	return s
}

// Scan delivers queued advertisements until ctx is done or Fail is called.
func (s *FakeScanSource) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	s.mu.Lock()
	s.scans++
	s.mu.Unlock()
	s.started <- allowDup

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.fail:
			return err
		case adv := <-s.advs:
			handler(adv)
		}
	}
}

// Advertise queues more advertisements.
func (s *FakeScanSource) Advertise(advs ...device.Advertisement) {
	for _, a := range advs {
		s.advs <- a
	}
}

// Fail ends the running scan with err.
func (s *FakeScanSource) Fail(err error) { s.fail <- err }

// Started yields the allowDup flag of every scan as it starts.
func (s *FakeScanSource) Started() <-chan bool { return s.started }

// Scans counts how many scans were started.
func (s *FakeScanSource) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}
