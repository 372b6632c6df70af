package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
	"github.com/stretchr/testify/suite"
)

// DefaultPeer is the device every SessionSuite session is bound to.
var DefaultPeer = device.RemoteDevice{Address: "AA:BB:CC:DD:EE:FF", Name: "CTF"}

// SessionSuite provides a reusable testify suite with a fake transport.
//
// By default each test gets a CTF peripheral that answers every request.
// Override the peripheral before calling the parent SetupTest:
//
//	func (s *MySuite) SetupTest() {
//	    s.WithPeripheral().WithReadStatus(svc, char, device.StatusReadNotPermitted)
//	    s.SessionSuite.SetupTest()
//	}
//
// Set Manual to true to get a transport that only records calls.
type SessionSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Manual            bool
	PeripheralBuilder *PeripheralBuilder
	Peripheral        *FakePeripheral
	Transport         *FakeTransport
	Session           *gatt.Session
	TestTimeout       time.Duration
}

// SetupSuite initializes helpers once for the suite.
func (s *SessionSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = DefaultWait
}

// SetupTest builds the transport and a fresh Disconnected session.
func (s *SessionSuite) SetupTest() {
	if s.Manual {
		s.Peripheral = nil
		s.Transport = NewFakeTransport(nil)
	} else {
		if s.PeripheralBuilder == nil {
			s.PeripheralBuilder = CTFPeripheral()
		}
		s.Peripheral = s.PeripheralBuilder.Build()
		s.Transport = NewFakeTransport(s.Peripheral)
	}
	s.Session = gatt.NewSession(DefaultPeer, s.Transport, &gatt.Options{Logger: s.Logger})
}

// TearDownTest closes the session and resets the peripheral configuration.
func (s *SessionSuite) TearDownTest() {
	if s.Session != nil {
		_ = s.Session.Close()
	}
	s.Session = nil
	s.PeripheralBuilder = nil
}

// WithPeripheral returns the builder used by the next SetupTest.
func (s *SessionSuite) WithPeripheral() *PeripheralBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = CTFPeripheral()
	}
	return s.PeripheralBuilder
}

// Context returns a context bounded by the suite timeout.
func (s *SessionSuite) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}

// ConnectManual connects in manual mode and completes the link with caps.
func (s *SessionSuite) ConnectManual(caps gatt.Capabilities) *FakeLink {
	_, err := s.Session.Connect(context.Background())
	s.Require().NoError(err)
	link := s.Transport.LastLink()
	s.Require().NotNil(link)
	link.Emit(gatt.Event{Kind: gatt.EventLinked, Caps: caps})
	s.Require().Equal(gatt.Connected, s.Session.State())
	return link
}

// DiscoverManual discovers services in manual mode, answering with services.
func (s *SessionSuite) DiscoverManual(link *FakeLink, services []device.ServiceDescriptor) {
	_, err := s.Session.DiscoverServices()
	s.Require().NoError(err)
	link.Emit(gatt.Event{Kind: gatt.EventDiscovered, Services: services})
	_, busy := s.Session.Pending()
	s.Require().False(busy)
}

// ConnectAndDiscover connects to the auto-answering peripheral and discovers its services.
func (s *SessionSuite) ConnectAndDiscover() {
	ctx := s.Context()
	s.Require().NoError(s.Session.ConnectAndWait(ctx))
	_, err := s.Session.DiscoverAndWait(ctx)
	s.Require().NoError(err)
}
