package gatt

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
)

// begin runs the pre-flight checks shared by all operations and reserves
// the pending slot. Order: not connected, unknown attribute, busy.
func (s *Session) begin(op OpKind, service, char string, needCCCD bool) (*pending, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.state != Connected {
		return nil, device.ErrNotConnected
	}
	if op != OpDiscover {
		c, err := device.FindCharacteristic(s.services, service, char)
		if err != nil {
			return nil, err
		}
		if needCCCD && !c.HasCCCD {
			return nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{service, char, cccdUUID}}
		}
	}
	if s.pending != nil {
		s.logger.WithFields(logrus.Fields{
			"op":      op,
			"pending": s.pending.op,
		}).Debug("Rejecting operation while another is in flight")
		return nil, device.ErrBusy
	}

	s.nextID++
	p := &pending{id: s.nextID, op: op, service: service, char: char}
	s.pending = p
	return p, nil
}

// issued finishes issuing p. A transport refusal is reported on the Results
// stream like any other failure and frees the pending slot.
func (s *Session) issued(p *pending, err error) RequestID {
	if err != nil {
		s.pending = nil
		s.publishLocked(Result{
			ID:             p.id,
			Op:             p.op,
			Service:        p.service,
			Characteristic: p.char,
			Value:          p.payload,
			Enabled:        p.enabled,
			Err:            device.NormalizeError(err),
		})
	}
	return p.id
}

// DiscoverServices requests service discovery. On success the service table
// is replaced wholesale; on failure it is left untouched.
func (s *Session) DiscoverServices() (RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.begin(OpDiscover, "", "", false)
	if err != nil {
		return 0, err
	}
	s.logger.WithField("address", s.peer.Address).Debug("Discovering services and characteristics...")
	return s.issued(p, s.link.Discover()), nil
}

// ReadCharacteristic requests a read. On success the last-known value is
// updated and published on Values.
func (s *Session) ReadCharacteristic(service, char string) (RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.begin(OpRead, service, char, false)
	if err != nil {
		return 0, err
	}
	return s.issued(p, s.link.ReadAttribute(service, char)), nil
}

// WriteCharacteristic requests a write of payload using the write mode
// negotiated at connect time. The payload is copied before issuing.
func (s *Session) WriteCharacteristic(service, char string, payload []byte) (RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.begin(OpWrite, service, char, false)
	if err != nil {
		return 0, err
	}
	p.payload = append([]byte(nil), payload...)

	s.logger.WithFields(logrus.Fields{
		"characteristic": char,
		"bytes":          len(payload),
		"write_mode":     s.caps.WriteMode(),
	}).Debug("Writing characteristic")
	return s.issued(p, s.link.WriteAttribute(service, char, append([]byte(nil), payload...), s.caps.WriteMode())), nil
}

// SetNotification enables or disables notifications. The CCCD is written
// first; local delivery is switched only after the peer acknowledged it.
func (s *Session) SetNotification(service, char string, enabled bool) (RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.begin(OpSetNotification, service, char, true)
	if err != nil {
		return 0, err
	}
	p.enabled = enabled

	value := bledb.DisableNotificationValue
	if enabled {
		value = bledb.EnableNotificationValue
	}
	return s.issued(p, s.link.WriteDescriptor(service, char, cccdUUID, append([]byte(nil), value...))), nil
}
