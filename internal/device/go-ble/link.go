package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
	"github.com/srg/blectf/internal/groutine"
)

var cccdUUID = bledb.NormalizeUUID(bledb.MustUUID(bledb.CCCD))

// Link is one go-ble connection. Requests run on their own goroutine and
// report back through a single ordered event queue.
type Link struct {
	peer      device.RemoteDevice
	transport *Transport
	logger    *logrus.Entry
	sink      gatt.EventSink

	ctx    context.Context
	cancel context.CancelFunc
	events chan gatt.Event

	mu       sync.Mutex
	client   Client
	closed   bool
	chars    map[string]*ble.Characteristic
	delivery map[string]bool

	// guards Characteristic.Value for legacy writes
	valueMu sync.Mutex
}

var _ gatt.Link = (*Link)(nil)

func newLink(peer device.RemoteDevice, t *Transport, sink gatt.EventSink) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		peer:      peer,
		transport: t,
		logger:    t.logger.WithField("address", peer.Address),
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan gatt.Event, t.opts.EventBuffer),
		chars:     make(map[string]*ble.Characteristic),
		delivery:  make(map[string]bool),
	}
}

func (l *Link) start(parent context.Context) {
	groutine.Go(l.ctx, "ble-event-pump", l.pump)

	dialCtx, dialCancel := context.WithTimeout(parent, l.transport.opts.ConnectTimeout)
	groutine.Go(l.ctx, "ble-dial", func(ctx context.Context) {
		defer dialCancel()
		stop := context.AfterFunc(ctx, dialCancel)
		defer stop()

		l.logger.WithField("timeout", l.transport.opts.ConnectTimeout).Info("Connecting to BLE device...")
		client, err := l.transport.dial(dialCtx, l.peer.Address)
		if err != nil {
			l.logger.WithField("error", err).Error("Failed to dial BLE device")
			l.emit(gatt.Event{Kind: gatt.EventLinkFailed, Err: NormalizeError(err)})
			return
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			l.logger.Debug("Link closed while dialing, cancelling connection")
			l.cancelConnection(client)
			return
		}
		l.client = client
		l.mu.Unlock()

		l.watchDisconnect(client)
		l.logger.Info("BLE device connected")
		l.emit(gatt.Event{
			Kind: gatt.EventLinked,
			Caps: gatt.Capabilities{ExplicitPayloadWrite: !l.transport.opts.LegacyWrites},
		})
	})
}

// pump delivers events to the sink one at a time. A terminal event ends the link.
func (l *Link) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.events:
			l.sink(ev)
			if ev.Kind == gatt.EventLinkFailed || ev.Kind == gatt.EventLinkLost {
				l.terminate()
				return
			}
		}
	}
}

func (l *Link) emit(ev gatt.Event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

// emitValue never blocks the go-ble notification callback.
func (l *Link) emitValue(ev gatt.Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.WithField("characteristic", ev.Characteristic).Warn("Event queue full, dropping notification")
	}
}

// watchDisconnect reports a link loss when the client supports Disconnected().
func (l *Link) watchDisconnect(client Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(l.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			if l.isClosed() {
				return
			}
			l.logger.Warn("BLE stack reported disconnection")
			l.emit(gatt.Event{Kind: gatt.EventLinkLost, Err: device.ErrLinkLost})
		case <-ctx.Done():
		}
	})
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) connected() (Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.client == nil {
		return nil, device.ErrNotConnected
	}
	return l.client, nil
}

func (l *Link) characteristic(service, char string) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[device.CharKey(service, char)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}
	return c, nil
}

// run executes a request off the caller's goroutine. A panic is reported as
// a failed completion of kind.
func (l *Link) run(name string, failed gatt.Event, fn func()) {
	groutine.GoSafe(l.ctx, l.logger.Logger, name, func(context.Context) { fn() }, func(r any) {
		failed.Status = device.StatusFailure
		failed.Err = fmt.Errorf("%s panicked: %v", name, r)
		l.emit(failed)
	})
}

// Discover runs full profile discovery and replaces the characteristic table.
func (l *Link) Discover() error {
	client, err := l.connected()
	if err != nil {
		return err
	}
	l.run("ble-discover", gatt.Event{Kind: gatt.EventDiscoveryFailed}, func() {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			l.logger.WithField("error", err).Error("Failed to discover profile")
			l.emit(gatt.Event{Kind: gatt.EventDiscoveryFailed, Status: statusFromError(err), Err: NormalizeError(err)})
			return
		}
		services, chars := convertProfile(profile)

		l.mu.Lock()
		l.chars = chars
		l.mu.Unlock()

		l.logger.WithFields(logrus.Fields{
			"services":        len(services),
			"characteristics": len(chars),
		}).Debug("Profile discovered successfully")
		l.emit(gatt.Event{Kind: gatt.EventDiscovered, Services: services})
	})
	return nil
}

// ReadAttribute reads a characteristic value.
func (l *Link) ReadAttribute(service, char string) error {
	client, err := l.connected()
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return err
	}
	done := gatt.Event{Kind: gatt.EventReadComplete, Service: service, Characteristic: char}
	l.run("ble-read", done, func() {
		value, err := client.ReadCharacteristic(c)
		done.Status = statusFromError(err)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"characteristic": char,
				"error":          err,
			}).Warn("Characteristic read failed")
		} else {
			done.Value = value
		}
		l.emit(done)
	})
	return nil
}

// WriteAttribute writes payload with a write request. In legacy mode the
// payload is staged into the characteristic object first.
func (l *Link) WriteAttribute(service, char string, payload []byte, mode gatt.WriteMode) error {
	client, err := l.connected()
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return err
	}
	value := append([]byte(nil), payload...)
	done := gatt.Event{Kind: gatt.EventWriteComplete, Service: service, Characteristic: char}
	l.run("ble-write", done, func() {
		var err error
		if mode == gatt.WriteModeLegacy {
			l.valueMu.Lock()
			c.Value = value
			err = client.WriteCharacteristic(c, c.Value, false)
			l.valueMu.Unlock()
		} else {
			err = client.WriteCharacteristic(c, value, false)
		}
		done.Status = statusFromError(err)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"characteristic": char,
				"mode":           mode,
				"error":          err,
			}).Warn("Characteristic write failed")
		}
		l.emit(done)
	})
	return nil
}

// WriteDescriptor writes a descriptor value. go-ble owns the CCCD of a
// subscribed characteristic, so a CCCD write is carried out as
// Subscribe or Unsubscribe.
func (l *Link) WriteDescriptor(service, char, desc string, value []byte) error {
	client, err := l.connected()
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return err
	}

	done := gatt.Event{Kind: gatt.EventDescriptorWriteComplete, Service: service, Characteristic: char, Descriptor: desc}
	if bledb.NormalizeUUID(desc) == cccdUUID {
		key := device.CharKey(service, char)
		indicate := c.Property&ble.CharIndicate != 0 && c.Property&ble.CharNotify == 0
		enable := len(value) > 0 && value[0]&0x03 != 0
		l.run("ble-cccd", done, func() {
			var err error
			if enable {
				err = client.Subscribe(c, indicate, func(data []byte) {
					if !l.deliveryEnabled(key) {
						return
					}
					l.emitValue(gatt.Event{
						Kind:           gatt.EventValueChanged,
						Service:        service,
						Characteristic: char,
						Value:          append([]byte(nil), data...),
					})
				})
			} else {
				err = client.Unsubscribe(c, indicate)
			}
			done.Status = statusFromError(err)
			if err != nil {
				l.logger.WithFields(logrus.Fields{
					"characteristic": char,
					"enable":         enable,
					"error":          err,
				}).Warn("CCCD write failed")
			}
			l.emit(done)
		})
		return nil
	}

	var d *ble.Descriptor
	for _, cand := range c.Descriptors {
		if bledb.NormalizeUUID(cand.UUID.String()) == bledb.NormalizeUUID(desc) {
			d = cand
			break
		}
	}
	if d == nil {
		return &device.NotFoundError{Resource: "descriptor", UUIDs: []string{service, char, desc}}
	}
	payload := append([]byte(nil), value...)
	l.run("ble-write-descriptor", done, func() {
		err := client.WriteDescriptor(d, payload)
		done.Status = statusFromError(err)
		l.emit(done)
	})
	return nil
}

// SetLocalNotificationDelivery gates EventValueChanged for one characteristic.
func (l *Link) SetLocalNotificationDelivery(service, char string, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrNotConnected
	}
	key := device.CharKey(service, char)
	if enabled {
		l.delivery[key] = true
	} else {
		delete(l.delivery, key)
	}
	return nil
}

func (l *Link) deliveryEnabled(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.delivery[key]
}

// Close cancels the connection. It is idempotent and does not wait for the
// BLE stack to confirm.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	client := l.client
	l.client = nil
	l.delivery = make(map[string]bool)
	l.mu.Unlock()

	l.logger.Info("Disconnecting BLE device...")
	l.cancel()
	l.transport.forget(l)
	if client != nil {
		l.cancelConnection(client)
	}
	return nil
}

// terminate ends a link the peer or the stack already dropped.
func (l *Link) terminate() {
	l.mu.Lock()
	l.closed = true
	client := l.client
	l.client = nil
	l.mu.Unlock()

	l.cancel()
	l.transport.forget(l)
	if client != nil {
		l.cancelConnection(client)
	}
}

func (l *Link) cancelConnection(client Client) {
	groutine.Go(context.Background(), "ble-cancel-connection", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			l.logger.WithField("error", err).Warn("Failed to cancel connection")
		}
	})
}

// convertProfile turns a go-ble profile into the session service table and
// an index of live characteristics keyed by device.CharKey.
func convertProfile(p *ble.Profile) ([]device.ServiceDescriptor, map[string]*ble.Characteristic) {
	chars := make(map[string]*ble.Characteristic)
	if p == nil {
		return nil, chars
	}
	services := make([]device.ServiceDescriptor, 0, len(p.Services))
	for _, s := range p.Services {
		svc := device.ServiceDescriptor{UUID: canonical(s.UUID)}
		for _, c := range s.Characteristics {
			cd := device.CharacteristicDescriptor{
				UUID:       canonical(c.UUID),
				Properties: device.Property(c.Property),
				HasCCCD:    c.CCCD != nil,
			}
			for _, d := range c.Descriptors {
				if bledb.NormalizeUUID(d.UUID.String()) == cccdUUID {
					cd.HasCCCD = true
				}
			}
			svc.Characteristics = append(svc.Characteristics, cd)
			chars[device.CharKey(svc.UUID, cd.UUID)] = c
		}
		services = append(services, svc)
	}
	return services, chars
}

func canonical(u ble.UUID) string {
	if c, err := bledb.CanonicalUUID(u.String()); err == nil {
		return c
	}
	return u.String()
}
