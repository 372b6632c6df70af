package ctf_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
	"github.com/srg/blectf/internal/stream"
	"github.com/srg/blectf/internal/testutils"
	"github.com/srg/blectf/pkg/ctf"
	"github.com/srg/blectf/scanner"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	ctfService = bledb.MustUUID(bledb.CTFService)
	flag2      = bledb.MustUUID(bledb.Flag2)
	nameChar   = bledb.MustUUID(bledb.NameChar)

	ctfDevice   = device.RemoteDevice{Address: "AA:BB:CC:DD:EE:FF", Name: "CTF"}
	otherDevice = device.RemoteDevice{Address: "11:22:33:44:55:66", Name: "Other"}
)

type ClientSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	peripheral *testutils.FakePeripheral
	transport  *testutils.FakeTransport
	client     *ctf.Client
	states     *stream.Subscription[ctf.UIState]
}

func (s *ClientSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.peripheral = testutils.CTFPeripheral().Build()
	s.transport = testutils.NewFakeTransport(s.peripheral)

	client, err := ctf.NewClient(s.transport, nil, &ctf.Options{Logger: s.helper.Logger})
	s.Require().NoError(err)
	s.client = client
	s.states = client.States()
}

func (s *ClientSuite) TearDownTest() {
	s.states.Close()
	s.NoError(s.client.Close())
}

func (s *ClientSuite) waitFor(match func(ctf.UIState) bool) ctf.UIState {
	return testutils.ReceiveUntil(s.T(), s.states.C(), match)
}

func (s *ClientSuite) connectAndDiscover() {
	s.Require().NoError(s.client.SetActiveDevice(&ctfDevice))
	_, err := s.client.Connect(context.Background())
	s.Require().NoError(err)
	s.waitFor(func(st ctf.UIState) bool { return st.IsDeviceConnected })

	_, err = s.client.DiscoverServices()
	s.Require().NoError(err)
	s.waitFor(func(st ctf.UIState) bool { return len(st.Services) == 2 })
}

func (s *ClientSuite) TestInitialState() {
	st := testutils.Receive(s.T(), s.states.C())
	s.False(st.IsScanning)
	s.Nil(st.ActiveDevice)
	s.Equal(gatt.Disconnected, st.ConnectionState)
	s.Nil(st.Flag1)
	s.Zero(st.NameWrittenTimes)
}

func (s *ClientSuite) TestCommandsWithoutActiveDevice() {
	_, err := s.client.ReadFlag1()
	s.ErrorIs(err, ctf.ErrNoActiveDevice)
	s.NoError(s.client.Disconnect())
	s.Equal(ctf.ErrNoActiveDevice.Error(), s.client.State().LastError)

	err = s.client.StartScanning(context.Background())
	s.ErrorIs(err, ctf.ErrNoScanner)
}

func (s *ClientSuite) TestFullFlow() {
	s.connectAndDiscover()

	st := s.client.State()
	s.Require().Len(st.Services, 2)
	s.Equal(string(bledb.CTFService), st.Services[1].Name)
	s.Equal([]string{bledb.MustUUID(bledb.Flag1), nameChar, flag2}, st.Services[1].Characteristics)
	s.Equal(ctfDevice, *st.ActiveDevice)

	_, err := s.client.ReadFlag1()
	s.Require().NoError(err)
	st = s.waitFor(func(st ctf.UIState) bool { return st.Flag1 != nil })
	s.Equal("flag{read-me}", *st.Flag1)

	_, err = s.client.WriteName()
	s.Require().NoError(err)
	s.waitFor(func(st ctf.UIState) bool { return st.NameWrittenTimes == 1 })
	s.Equal([][]byte{[]byte("Tom")}, s.peripheral.Writes(ctfService, nameChar))

	_, err = s.client.StartNotifyFlag2()
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		return s.client.Session().IsSubscribed(ctfService, flag2)
	}, testutils.DefaultWait, 5*time.Millisecond)

	s.transport.LastLink().Notify(ctfService, flag2, []byte("flag{notified}"))
	st = s.waitFor(func(st ctf.UIState) bool { return st.Flag2Value != nil })
	s.Equal("flag{notified}", *st.Flag2Value)

	_, err = s.client.StopNotifyFlag2()
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		return !s.client.Session().IsSubscribed(ctfService, flag2)
	}, testutils.DefaultWait, 5*time.Millisecond)
	s.Empty(s.client.State().LastError)

	ops := make([]gatt.OpKind, 0)
	for _, a := range s.client.Activity() {
		s.True(a.OK)
		ops = append(ops, a.Op)
	}
	s.Equal([]gatt.OpKind{
		gatt.OpConnect, gatt.OpDiscover, gatt.OpRead, gatt.OpWrite,
		gatt.OpSetNotification, gatt.OpSetNotification,
	}, ops)
}

func (s *ClientSuite) TestNameWritesCountedByRequest() {
	s.connectAndDiscover()

	// other characteristics do not count
	_, err := s.client.WriteCharacteristic(bledb.Flag1, []byte("Tom"))
	s.Require().NoError(err)
	s.waitFor(func(st ctf.UIState) bool { return len(s.client.Activity()) == 3 })

	for i := 1; i <= 3; i++ {
		_, err := s.client.WriteName()
		s.Require().NoError(err)
		s.waitFor(func(st ctf.UIState) bool { return st.NameWrittenTimes == i })
	}
}

func (s *ClientSuite) TestPreflightRejectionSurfacesLastError() {
	s.Require().NoError(s.client.SetActiveDevice(&ctfDevice))

	_, err := s.client.ReadFlag1()
	s.ErrorIs(err, device.ErrNotConnected)
	st := s.waitFor(func(st ctf.UIState) bool { return st.LastError != "" })
	s.Nil(st.Flag1)
}

func (s *ClientSuite) TestSwitchingDeviceResetsSessionState() {
	s.connectAndDiscover()
	_, err := s.client.ReadFlag1()
	s.Require().NoError(err)
	s.waitFor(func(st ctf.UIState) bool { return st.Flag1 != nil })
	firstLink := s.transport.LastLink()

	s.Require().NoError(s.client.SetActiveDevice(&otherDevice))
	st := s.client.State()
	s.Equal(otherDevice, *st.ActiveDevice)
	s.Nil(st.Flag1)
	s.Empty(st.Services)
	s.False(st.IsDeviceConnected)
	s.True(firstLink.Closed())

	s.Require().NoError(s.client.SetActiveDevice(nil))
	s.Nil(s.client.State().ActiveDevice)
	s.Nil(s.client.Session())
}

func (s *ClientSuite) TestLinkLossKeepsDeviceAndFlags() {
	s.connectAndDiscover()
	_, err := s.client.ReadFlag1()
	s.Require().NoError(err)
	s.waitFor(func(st ctf.UIState) bool { return st.Flag1 != nil })

	s.transport.LastLink().Drop(device.ErrLinkLost)
	st := s.waitFor(func(st ctf.UIState) bool { return !st.IsDeviceConnected && len(st.Services) == 0 })
	s.NotNil(st.ActiveDevice)
	s.Equal("flag{read-me}", *st.Flag1)
}

func (s *ClientSuite) TestCloseIsFinal() {
	s.connectAndDiscover()
	link := s.transport.LastLink()

	s.Require().NoError(s.client.Close())
	s.True(link.Closed())
	s.NoError(s.client.Close())

	_, err := s.client.ReadFlag1()
	s.ErrorIs(err, ctf.ErrClientClosed)
	s.ErrorIs(s.client.SetActiveDevice(&ctfDevice), ctf.ErrClientClosed)
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func TestFailedWriteDoesNotCount(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	p := testutils.CTFPeripheral().WithWriteStatus(ctfService, nameChar, device.StatusWriteNotPermitted).Build()
	client, err := ctf.NewClient(testutils.NewFakeTransport(p), nil, &ctf.Options{Logger: helper.Logger})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	states := client.States()
	defer states.Close()

	require.NoError(t, client.SetActiveDevice(&ctfDevice))
	_, err = client.Connect(context.Background())
	require.NoError(t, err)
	testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return st.IsDeviceConnected })
	_, err = client.DiscoverServices()
	require.NoError(t, err)
	testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return len(st.Services) > 0 })

	_, err = client.WriteName()
	require.NoError(t, err)
	st := testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return st.LastError != "" })
	require.Zero(t, st.NameWrittenTimes)

	activity := client.Activity()
	require.NotEmpty(t, activity)
	last := activity[len(activity)-1]
	require.Equal(t, gatt.OpWrite, last.Op)
	require.False(t, last.OK)
}

func TestScannerFeedsUIState(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	source := testutils.NewFakeScanSource()
	scan := scanner.NewScanner(source, helper.Logger, nil)
	defer scan.Close()

	client, err := ctf.NewClient(testutils.NewFakeTransport(nil), scan, &ctf.Options{Logger: helper.Logger})
	require.NoError(t, err)
	states := client.States()
	defer states.Close()

	require.NoError(t, client.StartScanning(context.Background()))
	testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return st.IsScanning })

	source.Advertise(
		testutils.NewAdvertisementBuilder().WithAddress(ctfDevice.Address).WithName("CTF").Build(),
		testutils.NewAdvertisementBuilder().WithAddress(otherDevice.Address).WithName("Other").Build(),
	)
	st := testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return len(st.FoundDevices) == 2 })
	require.Equal(t, []device.RemoteDevice{ctfDevice, otherDevice}, st.FoundDevices)

	client.StopScanning()
	testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return !st.IsScanning })

	require.NoError(t, client.StartScanning(context.Background()))
	testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return st.IsScanning })
	require.NoError(t, client.Close())
	require.False(t, scan.IsScanning())
}

func TestNameWriteAbandonedByLinkLoss(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	transport := testutils.NewFakeTransport(nil)
	client, err := ctf.NewClient(transport, nil, &ctf.Options{Logger: helper.Logger})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	states := client.States()
	defer states.Close()

	require.NoError(t, client.SetActiveDevice(&ctfDevice))
	_, err = client.Connect(context.Background())
	require.NoError(t, err)
	link := transport.LastLink()
	require.NotNil(t, link)
	link.Emit(gatt.Event{Kind: gatt.EventLinked, Caps: gatt.Capabilities{ExplicitPayloadWrite: true}})
	testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return st.IsDeviceConnected })

	_, err = client.DiscoverServices()
	require.NoError(t, err)
	link.Emit(gatt.Event{Kind: gatt.EventDiscovered, Services: testutils.CTFPeripheral().Build().Services()})
	testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return len(st.Services) > 0 })

	_, err = client.WriteName()
	require.NoError(t, err)
	require.Equal(t, 1, client.PendingNameWrites())

	link.Emit(gatt.Event{Kind: gatt.EventLinkLost, Err: device.ErrLinkLost})
	st := testutils.ReceiveUntil(t, states.C(), func(st ctf.UIState) bool { return st.ConnectionState == gatt.Disconnected })
	require.Zero(t, st.NameWrittenTimes)
	require.Eventually(t, func() bool { return client.PendingNameWrites() == 0 }, time.Second, 10*time.Millisecond)
}
