package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/stream"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("session closed")

// Options configures a Session.
type Options struct {
	Logger       *logrus.Logger
	StreamBuffer int // per-subscriber buffer of the session streams
}

// pending is the single in-flight operation.
type pending struct {
	id      RequestID
	op      OpKind
	service string
	char    string
	payload []byte
	enabled bool
}

func (p *pending) matches(service, char string) bool {
	return device.CharKey(p.service, p.char) == device.CharKey(service, char)
}

// Session is the GATT client state machine for one remote device.
//
// All mutable state is guarded by mu. Transport events enter through the
// sink created in Connect and are applied under the same lock, so public
// calls and event delivery never interleave.
type Session struct {
	peer      device.RemoteDevice
	transport Transport
	logger    *logrus.Logger

	mu          sync.Mutex
	state       State
	closed      bool
	link        Link
	generation  uint64
	caps        Capabilities
	services    []device.ServiceDescriptor
	pending     *pending
	connectID   RequestID
	nextID      RequestID
	subscribed  map[string]struct{}
	writeCounts map[string]int

	values *hashmap.Map[string, []byte]

	stateStream    *stream.Value[State]
	servicesStream *stream.Value[[]device.ServiceDescriptor]
	valueFeed      *stream.Feed[ValueUpdate]
	resultFeed     *stream.Feed[Result]
}

// NewSession creates a Disconnected session bound to peer.
func NewSession(peer device.RemoteDevice, transport Transport, opts *Options) *Session {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	buf := opts.StreamBuffer
	if buf <= 0 {
		buf = stream.DefaultCapacity
	}

	return &Session{
		peer:           peer,
		transport:      transport,
		logger:         logger,
		state:          Disconnected,
		subscribed:     make(map[string]struct{}),
		writeCounts:    make(map[string]int),
		values:         hashmap.New[string, []byte](),
		stateStream:    stream.NewValue(Disconnected, buf),
		servicesStream: stream.NewValue[[]device.ServiceDescriptor](nil, buf),
		valueFeed:      stream.NewFeed[ValueUpdate](buf),
		resultFeed:     stream.NewFeed[Result](buf),
	}
}

// Device returns the peer this session is bound to.
func (s *Session) Device() device.RemoteDevice { return s.peer }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the capabilities recorded when the link came up.
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Services returns a copy of the discovered service table.
func (s *Session) Services() []device.ServiceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return device.CloneServices(s.services)
}

// Pending reports the kind of the in-flight operation, if any.
func (s *Session) Pending() (OpKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return 0, false
	}
	return s.pending.op, true
}

// IsSubscribed reports whether notifications are enabled for the characteristic.
func (s *Session) IsSubscribed(service, char string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribed[device.CharKey(service, char)]
	return ok
}

// LastValue returns the last value read or notified for the characteristic.
// Values survive disconnects.
func (s *Session) LastValue(service, char string) ([]byte, bool) {
	v, ok := s.values.Get(device.CharKey(service, char))
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// WriteCount returns the number of acknowledged writes to the characteristic.
func (s *Session) WriteCount(service, char string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCounts[device.CharKey(service, char)]
}

// StateStream publishes every state transition, replaying the current state.
func (s *Session) StateStream() *stream.Subscription[State] { return s.stateStream.Subscribe() }

// ServicesStream publishes the service table whenever it is replaced or cleared.
func (s *Session) ServicesStream() *stream.Subscription[[]device.ServiceDescriptor] {
	return s.servicesStream.Subscribe()
}

// Values publishes last-known value changes.
func (s *Session) Values() *stream.Subscription[ValueUpdate] { return s.valueFeed.Subscribe() }

// Results publishes operation completions.
func (s *Session) Results() *stream.Subscription[Result] { return s.resultFeed.Subscribe() }

// Connect starts connecting to the bound device. The outcome is published as
// a Result with Op OpConnect and the returned id, including a transport that
// refuses to open a link. Only ErrClosed and ErrAlreadyConnected are returned
// directly.
func (s *Session) Connect(ctx context.Context) (RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.state == Connected || s.state == Connecting {
		s.logger.WithFields(logrus.Fields{
			"address": s.peer.Address,
			"state":   s.state,
		}).Warn("Connection attempt while already connected")
		return 0, device.ErrAlreadyConnected
	}

	s.generation++
	gen := s.generation
	s.nextID++
	s.connectID = s.nextID
	s.setStateLocked(Connecting)

	s.logger.WithField("address", s.peer.Address).Info("Connecting to BLE device...")

	link, err := s.transport.Connect(ctx, s.peer, func(ev Event) { s.handle(gen, ev) })
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": s.peer.Address,
			"error":   err,
		}).Error("Transport refused connection")
		s.publishLocked(Result{ID: s.connectID, Op: OpConnect, Err: wrapCause(device.ErrLinkFailed, err)})
		s.finalizeLocked()
		return s.connectID, nil
	}
	s.link = link
	return s.connectID, nil
}

// Disconnect tears the link down and returns to Disconnected from any state.
// The in-flight operation, if any, is abandoned without a Result.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Session) disconnectLocked() error {
	if s.state == Disconnected {
		s.logger.Debug("Disconnect called but already disconnected")
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.peer.Address,
		"state":   s.state,
	}).Info("Disconnecting BLE device...")

	if s.state == Connected {
		s.setStateLocked(Disconnecting)
	}

	var err error
	if s.link != nil {
		err = s.link.Close()
		s.link = nil
	}
	s.finalizeLocked()

	if err != nil {
		s.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return fmt.Errorf("close link: %w", err)
	}
	s.logger.Info("BLE device disconnected successfully")
	return nil
}

// Close disconnects and closes every stream. A closed session cannot reconnect.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.disconnectLocked()
	s.closed = true
	s.stateStream.Close()
	s.servicesStream.Close()
	s.valueFeed.Close()
	s.resultFeed.Close()
	return err
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"address": s.peer.Address,
		"from":    s.state,
		"to":      st,
	}).Debug("Session state changed")
	s.state = st
	s.stateStream.Set(st)
}

// finalizeLocked enters Disconnected and drops all per-connection state.
// Events from the old link become stale.
func (s *Session) finalizeLocked() {
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			s.logger.WithField("error", err).Debug("Closing released link failed")
		}
		s.link = nil
	}
	s.generation++
	s.pending = nil
	s.caps = Capabilities{}
	s.subscribed = make(map[string]struct{})
	if s.services != nil {
		s.services = nil
		s.servicesStream.Set(nil)
	}
	s.setStateLocked(Disconnected)
}

func (s *Session) publishLocked(r Result) {
	fields := logrus.Fields{
		"address":    s.peer.Address,
		"op":         r.Op,
		"request_id": r.ID,
	}
	if r.Characteristic != "" {
		fields["characteristic"] = r.Characteristic
	}
	if r.Err != nil {
		fields["error"] = r.Err
		s.logger.WithFields(fields).Warn("GATT operation failed")
	} else {
		s.logger.WithFields(fields).Debug("GATT operation completed")
	}
	s.resultFeed.Publish(r)
}

// handle is the per-link event sink.
func (s *Session) handle(gen uint64, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.logger.WithFields(logrus.Fields{
			"address": s.peer.Address,
			"event":   ev.Kind,
		}).Debug("Dropping event from stale link")
		return
	}
	s.apply(ev)
}

// apply is the single transition function. Caller must hold mu.
func (s *Session) apply(ev Event) {
	switch ev.Kind {
	case EventLinked:
		if s.state != Connecting {
			s.logger.WithField("state", s.state).Warn("Ignoring link event outside Connecting")
			return
		}
		s.caps = ev.Caps
		s.setStateLocked(Connected)
		s.logger.WithFields(logrus.Fields{
			"address":    s.peer.Address,
			"write_mode": s.caps.WriteMode(),
		}).Info("BLE device connected successfully")
		s.publishLocked(Result{ID: s.connectID, Op: OpConnect})

	case EventLinkFailed:
		if s.state == Connected {
			s.linkLostLocked(ev.Err)
			return
		}
		s.publishLocked(Result{ID: s.connectID, Op: OpConnect, Err: wrapCause(device.ErrLinkFailed, ev.Err)})
		s.finalizeLocked()

	case EventLinkLost, EventClosed:
		if s.state == Connecting {
			s.publishLocked(Result{ID: s.connectID, Op: OpConnect, Err: wrapCause(device.ErrLinkFailed, ev.Err)})
			s.finalizeLocked()
			return
		}
		s.linkLostLocked(ev.Err)

	case EventDiscovered, EventDiscoveryFailed:
		s.applyDiscovery(ev)

	case EventReadComplete:
		s.applyRead(ev)

	case EventWriteComplete:
		s.applyWrite(ev)

	case EventDescriptorWriteComplete:
		s.applyDescriptorWrite(ev)

	case EventValueChanged:
		s.applyValueChanged(ev)

	default:
		s.logger.WithField("event", ev.Kind).Warn("Unknown transport event")
	}
}

func (s *Session) linkLostLocked(cause error) {
	s.logger.WithFields(logrus.Fields{
		"address": s.peer.Address,
		"error":   cause,
	}).Warn("BLE link lost")
	s.publishLocked(Result{ID: s.connectID, Op: OpConnect, Err: wrapCause(device.ErrLinkLost, cause)})
	s.finalizeLocked()
}

// takePending clears and returns the pending operation if it is of kind op
// for (service, char). Discovery ignores the identity.
func (s *Session) takePending(op OpKind, ev Event) *pending {
	p := s.pending
	if s.state != Connected || p == nil || p.op != op || (op != OpDiscover && !p.matches(ev.Service, ev.Characteristic)) {
		s.logger.WithFields(logrus.Fields{
			"event":          ev.Kind,
			"characteristic": ev.Characteristic,
		}).Warn("Ignoring unsolicited completion")
		return nil
	}
	s.pending = nil
	return p
}

func (s *Session) applyDiscovery(ev Event) {
	p := s.takePending(OpDiscover, ev)
	if p == nil {
		return
	}

	if ev.Kind == EventDiscoveryFailed || ev.Err != nil {
		err := wrapCause(device.ErrDiscoveryFailed, ev.Err)
		if ev.Err == nil && !ev.Status.OK() {
			err = fmt.Errorf("%w: %w", device.ErrDiscoveryFailed, &device.OperationError{Op: "discover", Status: ev.Status})
		}
		s.publishLocked(Result{ID: p.id, Op: OpDiscover, Err: err})
		return
	}

	s.services = device.CloneServices(ev.Services)
	if s.services == nil {
		s.services = []device.ServiceDescriptor{}
	}
	for key := range s.subscribed {
		if !s.hasCharKey(key) {
			delete(s.subscribed, key)
		}
	}
	s.servicesStream.Set(device.CloneServices(s.services))

	s.logger.WithFields(logrus.Fields{
		"address":  s.peer.Address,
		"services": len(s.services),
	}).Info("Services discovered")
	s.publishLocked(Result{ID: p.id, Op: OpDiscover, Services: device.CloneServices(s.services)})
}

func (s *Session) hasCharKey(key string) bool {
	for _, svc := range s.services {
		for _, c := range svc.Characteristics {
			if device.CharKey(svc.UUID, c.UUID) == key {
				return true
			}
		}
	}
	return false
}

func (s *Session) applyRead(ev Event) {
	p := s.takePending(OpRead, ev)
	if p == nil {
		return
	}
	r := Result{ID: p.id, Op: OpRead, Service: p.service, Characteristic: p.char}

	if !ev.Status.OK() {
		r.Err = &device.OperationError{Op: "read", Status: ev.Status}
		s.publishLocked(r)
		return
	}

	value := append([]byte(nil), ev.Value...)
	s.values.Set(device.CharKey(p.service, p.char), value)
	s.valueFeed.Publish(ValueUpdate{Service: p.service, Characteristic: p.char, Value: append([]byte(nil), value...), Source: SourceRead})
	r.Value = append([]byte(nil), value...)
	s.publishLocked(r)
}

func (s *Session) applyWrite(ev Event) {
	p := s.takePending(OpWrite, ev)
	if p == nil {
		return
	}
	r := Result{ID: p.id, Op: OpWrite, Service: p.service, Characteristic: p.char, Value: append([]byte(nil), p.payload...)}

	if !ev.Status.OK() {
		r.Err = &device.OperationError{Op: "write", Status: ev.Status}
		s.publishLocked(r)
		return
	}

	s.writeCounts[device.CharKey(p.service, p.char)]++
	s.publishLocked(r)
}

func (s *Session) applyDescriptorWrite(ev Event) {
	p := s.takePending(OpSetNotification, ev)
	if p == nil {
		return
	}
	r := Result{ID: p.id, Op: OpSetNotification, Service: p.service, Characteristic: p.char, Enabled: p.enabled}

	if !ev.Status.OK() {
		r.Err = &device.OperationError{Op: "descriptor write", Status: ev.Status}
		s.publishLocked(r)
		return
	}

	if err := s.link.SetLocalNotificationDelivery(p.service, p.char, p.enabled); err != nil {
		r.Err = fmt.Errorf("local notification delivery: %w", err)
		s.publishLocked(r)
		return
	}

	key := device.CharKey(p.service, p.char)
	if p.enabled {
		s.subscribed[key] = struct{}{}
	} else {
		delete(s.subscribed, key)
	}
	s.logger.WithFields(logrus.Fields{
		"characteristic": p.char,
		"enabled":        p.enabled,
	}).Info("Notification state changed")
	s.publishLocked(r)
}

func (s *Session) applyValueChanged(ev Event) {
	key := device.CharKey(ev.Service, ev.Characteristic)
	if s.state != Connected {
		return
	}
	if _, ok := s.subscribed[key]; !ok {
		s.logger.WithField("characteristic", ev.Characteristic).Debug("Dropping notification for unsubscribed characteristic")
		return
	}

	value := append([]byte(nil), ev.Value...)
	s.values.Set(key, value)
	s.valueFeed.Publish(ValueUpdate{
		Service:        ev.Service,
		Characteristic: ev.Characteristic,
		Value:          append([]byte(nil), value...),
		Source:         SourceNotification,
	})
}

func wrapCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// cccdUUID is compared in normalized form against descriptor UUIDs.
var cccdUUID = bledb.MustUUID(bledb.CCCD)
