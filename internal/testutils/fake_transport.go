package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
)

// FakePeripheral is the simulated GATT server behind a FakeTransport.
type FakePeripheral struct {
	mu              sync.Mutex
	services        []device.ServiceDescriptor
	values          map[string][]byte
	cccd            map[string][]byte
	writes          map[string][][]byte
	statuses        map[string]device.Status
	explicitWrite   bool
	discoveryStatus device.Status
	linkErr         error
}

func newFakePeripheral() *FakePeripheral {
	return &FakePeripheral{
		values:        make(map[string][]byte),
		cccd:          make(map[string][]byte),
		writes:        make(map[string][][]byte),
		statuses:      make(map[string]device.Status),
		explicitWrite: true,
	}
}

// Services returns a copy of the peripheral's GATT table.
func (p *FakePeripheral) Services() []device.ServiceDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return device.CloneServices(p.services)
}

// Value returns the characteristic's current value on the peripheral.
func (p *FakePeripheral) Value(service, char string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.values[device.CharKey(service, char)]...)
}

// SetValue changes a characteristic value on the peripheral.
func (p *FakePeripheral) SetValue(service, char string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[device.CharKey(service, char)] = append([]byte(nil), value...)
}

// Writes returns every payload acknowledged for the characteristic.
func (p *FakePeripheral) Writes(service, char string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes[device.CharKey(service, char)]...)
}

// CCCD returns the last value written to the characteristic's CCCD.
func (p *FakePeripheral) CCCD(service, char string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.cccd[device.CharKey(service, char)]...)
}

func (p *FakePeripheral) status(kind, service, char string) device.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[kind+" "+device.CharKey(service, char)]
}

// LinkCall records one Link method invocation.
type LinkCall struct {
	Method  string
	Service string
	Char    string
	Desc    string
	Payload []byte
	Mode    gatt.WriteMode
	Enabled bool
}

// FakeTransport implements gatt.Transport.
//
// With a peripheral attached the links answer every request on their own.
// Without one (manual mode) links only record calls and tests drive the
// session through FakeLink.Emit.
type FakeTransport struct {
	mu         sync.Mutex
	peripheral *FakePeripheral
	connectErr error
	links      []*FakeLink
}

// NewFakeTransport creates a transport serving p. A nil p selects manual mode.
func NewFakeTransport(p *FakePeripheral) *FakeTransport {
	return &FakeTransport{peripheral: p}
}

// FailConnect makes Connect return err synchronously.
func (t *FakeTransport) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// Connect implements gatt.Transport.
func (t *FakeTransport) Connect(ctx context.Context, peer device.RemoteDevice, sink gatt.EventSink) (gatt.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connectErr != nil {
		return nil, t.connectErr
	}

	l := &FakeLink{
		peer:       peer,
		sink:       sink,
		peripheral: t.peripheral,
		failures:   make(map[string]error),
		delivery:   make(map[string]bool),
	}
	t.links = append(t.links, l)

	if t.peripheral != nil {
		l.queue = make(chan gatt.Event, 256)
		l.done = make(chan struct{})
		go l.pump()

		if err := t.peripheral.linkErr; err != nil {
			l.enqueue(gatt.Event{Kind: gatt.EventLinkFailed, Err: err})
		} else {
			l.enqueue(gatt.Event{Kind: gatt.EventLinked, Caps: gatt.Capabilities{ExplicitPayloadWrite: t.peripheral.explicitWrite}})
		}
	}
	return l, nil
}

// Links returns every link opened so far.
func (t *FakeTransport) Links() []*FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeLink(nil), t.links...)
}

// LastLink returns the most recently opened link or nil.
func (t *FakeTransport) LastLink() *FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// FakeLink implements gatt.Link.
type FakeLink struct {
	peer       device.RemoteDevice
	sink       gatt.EventSink
	peripheral *FakePeripheral

	mu       sync.Mutex
	calls    []LinkCall
	failures map[string]error
	delivery map[string]bool
	closed   bool

	queue chan gatt.Event
	done  chan struct{}
}

func (l *FakeLink) pump() {
	for {
		select {
		case ev := <-l.queue:
			l.sink(ev)
		case <-l.done:
			return
		}
	}
}

func (l *FakeLink) enqueue(ev gatt.Event) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed || l.queue == nil {
		return
	}
	l.queue <- ev
}

func (l *FakeLink) record(c LinkCall) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
	if err, ok := l.failures[c.Method]; ok {
		delete(l.failures, c.Method)
		return err
	}
	if l.closed && c.Method != "close" {
		return fmt.Errorf("link closed")
	}
	return nil
}

// FailNext makes the next call of method return err without issuing anything.
func (l *FakeLink) FailNext(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[method] = err
}

// Calls returns the recorded calls.
func (l *FakeLink) Calls() []LinkCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LinkCall(nil), l.calls...)
}

// CallsTo returns the recorded calls of one method.
func (l *FakeLink) CallsTo(method string) []LinkCall {
	var out []LinkCall
	for _, c := range l.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// DeliveryEnabled reports the local notification gate for a characteristic.
func (l *FakeLink) DeliveryEnabled(service, char string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivery[device.CharKey(service, char)]
}

// Emit delivers ev to the session synchronously. Must not be called from
// inside a session call.
func (l *FakeLink) Emit(ev gatt.Event) {
	l.sink(ev)
}

// Notify simulates a peer notification. It is delivered only when the
// peripheral's CCCD is enabled and local delivery is on.
func (l *FakeLink) Notify(service, char string, value []byte) {
	if l.peripheral != nil {
		l.peripheral.SetValue(service, char, value)
		if string(l.peripheral.CCCD(service, char)) != string(bledb.EnableNotificationValue) {
			return
		}
	}
	if !l.DeliveryEnabled(service, char) {
		return
	}
	l.enqueue(gatt.Event{Kind: gatt.EventValueChanged, Service: service, Characteristic: char, Value: append([]byte(nil), value...)})
}

// Drop simulates the peer going away.
func (l *FakeLink) Drop(err error) {
	l.enqueue(gatt.Event{Kind: gatt.EventLinkLost, Err: err})
}

func (l *FakeLink) Discover() error {
	if err := l.record(LinkCall{Method: "discover"}); err != nil {
		return err
	}
	if p := l.peripheral; p != nil {
		if !p.discoveryStatus.OK() {
			l.enqueue(gatt.Event{Kind: gatt.EventDiscoveryFailed, Status: p.discoveryStatus})
			return nil
		}
		l.enqueue(gatt.Event{Kind: gatt.EventDiscovered, Services: p.Services()})
	}
	return nil
}

func (l *FakeLink) ReadAttribute(service, char string) error {
	if err := l.record(LinkCall{Method: "read", Service: service, Char: char}); err != nil {
		return err
	}
	if p := l.peripheral; p != nil {
		ev := gatt.Event{Kind: gatt.EventReadComplete, Service: service, Characteristic: char, Status: p.status("read", service, char)}
		if ev.Status.OK() {
			ev.Value = p.Value(service, char)
		}
		l.enqueue(ev)
	}
	return nil
}

func (l *FakeLink) WriteAttribute(service, char string, payload []byte, mode gatt.WriteMode) error {
	if err := l.record(LinkCall{Method: "write", Service: service, Char: char, Payload: append([]byte(nil), payload...), Mode: mode}); err != nil {
		return err
	}
	if p := l.peripheral; p != nil {
		st := p.status("write", service, char)
		if st.OK() {
			p.mu.Lock()
			key := device.CharKey(service, char)
			p.values[key] = append([]byte(nil), payload...)
			p.writes[key] = append(p.writes[key], append([]byte(nil), payload...))
			p.mu.Unlock()
		}
		l.enqueue(gatt.Event{Kind: gatt.EventWriteComplete, Service: service, Characteristic: char, Status: st})
	}
	return nil
}

func (l *FakeLink) WriteDescriptor(service, char, desc string, value []byte) error {
	if err := l.record(LinkCall{Method: "write_descriptor", Service: service, Char: char, Desc: desc, Payload: append([]byte(nil), value...)}); err != nil {
		return err
	}
	if p := l.peripheral; p != nil {
		st := p.status("descriptor", service, char)
		if st.OK() {
			p.mu.Lock()
			p.cccd[device.CharKey(service, char)] = append([]byte(nil), value...)
			p.mu.Unlock()
		}
		l.enqueue(gatt.Event{Kind: gatt.EventDescriptorWriteComplete, Service: service, Characteristic: char, Descriptor: desc, Status: st})
	}
	return nil
}

func (l *FakeLink) SetLocalNotificationDelivery(service, char string, enabled bool) error {
	if err := l.record(LinkCall{Method: "set_local_delivery", Service: service, Char: char, Enabled: enabled}); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivery[device.CharKey(service, char)] = enabled
	return nil
}

func (l *FakeLink) Close() error {
	err := l.record(LinkCall{Method: "close"})
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		if l.done != nil {
			close(l.done)
		}
	}
	return err
}
