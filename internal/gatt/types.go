// Package gatt implements the GATT client session: the per-device connection
// state machine with service discovery, characteristic reads and writes and
// CCCD-driven notification subscriptions.
//
// A Session never talks to a Bluetooth stack directly. It drives a Transport
// and consumes the tagged Events the transport delivers through the
// EventSink handed to Transport.Connect. Every operation returns as soon as
// the request is issued; completions are published on the Results stream
// and correlated by RequestID.
package gatt

import (
	"context"
	"fmt"

	"github.com/srg/blectf/internal/device"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "disconnecting"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// EventKind tags an Event delivered by a transport.
type EventKind int

const (
	EventLinked EventKind = iota
	EventLinkFailed
	EventLinkLost
	EventClosed
	EventDiscovered
	EventDiscoveryFailed
	EventReadComplete
	EventWriteComplete
	EventDescriptorWriteComplete
	EventValueChanged
)

var eventNames = [...]string{
	"linked", "link_failed", "link_lost", "closed", "discovered", "discovery_failed",
	"read_complete", "write_complete", "descriptor_write_complete", "value_changed",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventNames[k]
}

// Event is a transport notification. Which fields are meaningful depends on Kind.
type Event struct {
	Kind           EventKind
	Service        string
	Characteristic string
	Descriptor     string
	Status         device.Status
	Value          []byte
	Services       []device.ServiceDescriptor
	Caps           Capabilities
	Err            error
}

// EventSink receives transport events for one link.
type EventSink func(Event)

// WriteMode selects how a characteristic write is carried out by the transport.
type WriteMode int

const (
	// WriteModeExplicit passes the payload with the write request.
	WriteModeExplicit WriteMode = iota
	// WriteModeLegacy stages the payload into the characteristic object before issuing the write.
	WriteModeLegacy
)

func (m WriteMode) String() string {
	if m == WriteModeLegacy {
		return "legacy"
	}
	return "explicit"
}

// Capabilities are negotiated when the link comes up.
type Capabilities struct {
	ExplicitPayloadWrite bool
}

// WriteMode returns the write mode implied by the capabilities.
func (c Capabilities) WriteMode() WriteMode {
	if c.ExplicitPayloadWrite {
		return WriteModeExplicit
	}
	return WriteModeLegacy
}

// Transport opens links to peripherals.
//
// Connect must return promptly. The outcome of the link attempt is delivered
// later as EventLinked or EventLinkFailed. Neither Connect nor any Link
// method may invoke sink synchronously; events for one link must be
// delivered one at a time and in order.
type Transport interface {
	Connect(ctx context.Context, peer device.RemoteDevice, sink EventSink) (Link, error)
}

// Link is an open (or opening) connection handle. Request methods return an
// error only when the request could not be issued; completions arrive as events.
type Link interface {
	Discover() error
	ReadAttribute(service, char string) error
	WriteAttribute(service, char string, payload []byte, mode WriteMode) error
	WriteDescriptor(service, char, desc string, value []byte) error
	// SetLocalNotificationDelivery gates local delivery of EventValueChanged
	// for a characteristic. It is acknowledged synchronously.
	SetLocalNotificationDelivery(service, char string, enabled bool) error
	Close() error
}

// OpKind names a session operation.
type OpKind int

const (
	OpConnect OpKind = iota
	OpDiscover
	OpRead
	OpWrite
	OpSetNotification
)

var opNames = [...]string{"connect", "discover", "read", "write", "set_notification"}

func (o OpKind) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return fmt.Sprintf("op(%d)", int(o))
	}
	return opNames[o]
}

// MarshalText renders the operation name in JSON output.
func (o OpKind) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses an operation name produced by MarshalText.
func (o *OpKind) UnmarshalText(text []byte) error {
	for i, name := range opNames {
		if name == string(text) {
			*o = OpKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown operation %q", text)
}

// RequestID identifies one issued operation within a Session.
type RequestID uint64

// Result is the completion of an operation.
//
// For reads Value holds the value read; for writes it holds the payload
// exactly as it was passed to WriteCharacteristic.
type Result struct {
	ID             RequestID                  `json:"id"`
	Op             OpKind                     `json:"op"`
	Service        string                     `json:"service,omitempty"`
	Characteristic string                     `json:"characteristic,omitempty"`
	Value          []byte                     `json:"value,omitempty"`
	Enabled        bool                       `json:"enabled,omitempty"`
	Services       []device.ServiceDescriptor `json:"services,omitempty"`
	Err            error                      `json:"-"`
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Err == nil }

// ValueSource tells where a value update came from.
type ValueSource int

const (
	SourceRead ValueSource = iota
	SourceNotification
)

func (s ValueSource) String() string {
	if s == SourceNotification {
		return "notification"
	}
	return "read"
}

// ValueUpdate is published whenever the last-known value of a characteristic changes.
type ValueUpdate struct {
	Service        string
	Characteristic string
	Value          []byte
	Source         ValueSource
}
