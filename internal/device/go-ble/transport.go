package goble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
)

const (
	// DefaultConnectTimeout bounds a dial when TransportOptions does not set one.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultEventBuffer is the per-link event queue length.
	DefaultEventBuffer = 64
)

// Client is the part of ble.Client a Link drives.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	WriteDescriptor(d *ble.Descriptor, value []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DialFunc opens a client connection to the peripheral at addr.
type DialFunc func(ctx context.Context, addr string) (Client, error)

// TransportOptions configures links opened by a Transport.
type TransportOptions struct {
	ConnectTimeout time.Duration
	// LegacyWrites stages the payload into the characteristic before writing
	// instead of negotiating explicit payload writes.
	LegacyWrites bool
	EventBuffer  int
}

// Transport implements gatt.Transport on top of go-ble.
type Transport struct {
	dial   DialFunc
	opts   TransportOptions
	logger *logrus.Logger
	links  *hashmap.Map[string, *Link]
}

var _ gatt.Transport = (*Transport)(nil)

// NewTransport creates a transport that opens connections with dial.
func NewTransport(logger *logrus.Logger, opts *TransportOptions, dial DialFunc) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	o := TransportOptions{}
	if opts != nil {
		o = *opts
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return &Transport{
		dial:   dial,
		opts:   o,
		logger: logger,
		links:  hashmap.New[string, *Link](),
	}
}

// Connect starts dialing peer and returns immediately. The dial outcome
// arrives on sink as EventLinked or EventLinkFailed.
func (t *Transport) Connect(ctx context.Context, peer device.RemoteDevice, sink gatt.EventSink) (gatt.Link, error) {
	if strings.TrimSpace(peer.Address) == "" {
		t.logger.Error("Connection attempt with empty address")
		return nil, fmt.Errorf("device address is empty")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink is nil")
	}
	if prev, ok := t.links.Get(peer.Address); ok && !prev.isClosed() {
		t.logger.WithField("address", peer.Address).Warn("Connection attempt while a link is still open")
		return nil, device.ErrAlreadyConnected
	}

	l := newLink(peer, t, sink)
	t.links.Set(peer.Address, l)
	l.start(ctx)
	return l, nil
}

// Links returns the number of links that are not closed yet.
func (t *Transport) Links() int {
	n := 0
	t.links.Range(func(_ string, l *Link) bool {
		if !l.isClosed() {
			n++
		}
		return true
	})
	return n
}

// CloseAll closes every open link.
func (t *Transport) CloseAll() {
	t.links.Range(func(addr string, l *Link) bool {
		if err := l.Close(); err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": addr,
				"error":   err,
			}).Warn("Failed to close link")
		}
		return true
	})
}

func (t *Transport) forget(l *Link) {
	if cur, ok := t.links.Get(l.peer.Address); ok && cur == l {
		t.links.Del(l.peer.Address)
	}
}
