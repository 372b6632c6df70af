package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
	"github.com/srg/blectf/internal/testutils"
	"github.com/srg/blectf/pkg/config"
	"github.com/srg/blectf/pkg/ctf"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func ctfAdvertisement(addr, name string) device.Advertisement {
	return testutils.NewAdvertisementBuilder().
		WithAddress(addr).
		WithName(name).
		WithConnectable(true).
		WithServices(bledb.MustUUID(bledb.CTFService)).
		Build()
}

func (s *CommandsTestSuite) TestScanListsOnlyCTFDevicesByDefault() {
	// GOAL: Verify the configured service filter hides peripherals without the CTF service
	//
	// TEST SCENARIO: one CTF and one unrelated advertisement → scan --json → only the CTF device
	s.Source.Advertise(
		ctfAdvertisement(TestDeviceAddress1, "CTF-1"),
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress2).WithName("Heart Rate").WithServices("180d").Build(),
	)

	stdout, _, err := s.ExecuteCommand("scan", "--duration", "100ms", "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(stdout, fmt.Sprintf(`[
		{"address": %q, "name": "CTF-1"}
	]`, TestDeviceAddress1))
}

func (s *CommandsTestSuite) TestScanAllListsEveryDeviceInDiscoveryOrder() {
	s.Source.Advertise(
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress2).WithName("Heart Rate").Build(),
		ctfAdvertisement(TestDeviceAddress1, "CTF-1"),
		ctfAdvertisement(TestDeviceAddress1, "CTF-1 again"),
	)

	stdout, _, err := s.ExecuteCommand("scan", "--all", "--duration", "100ms", "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(stdout, fmt.Sprintf(`[
		{"address": %q, "name": "Heart Rate"},
		{"address": %q, "name": "CTF-1"}
	]`, TestDeviceAddress2, TestDeviceAddress1))
}

func (s *CommandsTestSuite) TestScanWithoutServiceFilterInConfig() {
	s.WriteConfig(testConfig + "service_filter: false\n")
	s.Source.Advertise(testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress2).Build())

	stdout, _, err := s.ExecuteCommand("scan", "--duration", "100ms")
	s.Require().NoError(err)
	s.Contains(stdout, TestDeviceAddress2)
	s.Contains(stdout, "(unnamed)")
}

func (s *CommandsTestSuite) TestScanNothingFound() {
	stdout, _, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(stdout, "No devices discovered")
}

func (s *CommandsTestSuite) TestScanRejectsInvalidServiceBeforeOpeningAdapter() {
	opened := false
	prev := openAdapter
	openAdapter = func(cfg *config.Config, logger *logrus.Logger) (*adapter, error) {
		opened = true
		return prev(cfg, logger)
	}

	_, _, err := s.ExecuteCommand("scan", "--services", "not-a-uuid")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid service UUID")
	s.False(opened, "adapter MUST NOT be opened for invalid arguments")
}

func (s *CommandsTestSuite) TestServicesJSON() {
	stdout, _, err := s.ExecuteCommand("services", TestDeviceAddress1, "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(stdout, fmt.Sprintf(`[
		{"uuid": "00001800-0000-1000-8000-00805f9b34fb", "characteristics": [
			{"uuid": "00002a00-0000-1000-8000-00805f9b34fb", "has_cccd": false}
		]},
		{"uuid": %q, "characteristics": [
			{"uuid": %q, "has_cccd": false},
			{"uuid": %q, "has_cccd": false},
			{"uuid": %q, "has_cccd": true}
		]}
	]`, bledb.MustUUID(bledb.CTFService), bledb.MustUUID(bledb.Flag1),
		bledb.MustUUID(bledb.NameChar), bledb.MustUUID(bledb.Flag2)))

	s.True(s.Transport.LastLink().Closed(), "link MUST be closed when the command ends")
}

func (s *CommandsTestSuite) TestServicesText() {
	stdout, _, err := s.ExecuteCommand("services", TestDeviceAddress1)
	s.Require().NoError(err)

	for _, want := range []string{"Generic Access", "Device Name", "ctf-service", "flag1", "name", "read,notify,cccd"} {
		s.Contains(stdout, want)
	}
	s.Less(strings.Index(stdout, "Generic Access"), strings.Index(stdout, "ctf-service"), "services MUST keep discovery order")
}

func (s *CommandsTestSuite) TestServicesDiscoveryFailure() {
	s.UsePeripheral(testutils.CTFPeripheral().WithDiscoveryFailure(device.StatusUnlikelyError).Build())

	_, _, err := s.ExecuteCommand("services", TestDeviceAddress1)
	s.Require().ErrorIs(err, device.ErrDiscoveryFailed)
	s.Equal("service discovery failed: unlikely error", FormatUserError(err))
}

func (s *CommandsTestSuite) TestConnectFailure() {
	s.UsePeripheral(testutils.CTFPeripheral().WithLinkFailure(fmt.Errorf("page timeout")).Build())

	_, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "flag1")
	s.Require().ErrorIs(err, device.ErrLinkFailed)
	s.Contains(FormatUserError(err), "could not connect to device")
}

func (s *CommandsTestSuite) TestRead() {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{name: "by name", args: []string{"flag1"}, expected: `"flag{read-me}"`},
		{name: "by 16-bit UUID", args: []string{"2a00"}, expected: `"CTF"`},
		{name: "as hex", args: []string{"2a00", "--hex"}, expected: "435446"},
		{name: "with service", args: []string{"2a00", "--service", "1800"}, expected: `"CTF"`},
		{name: "by full UUID", args: []string{bledb.MustUUID(bledb.Flag1)}, expected: `"flag{read-me}"`},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			stdout, _, err := s.ExecuteCommand(append([]string{"read", TestDeviceAddress1}, tt.args...)...)
			s.Require().NoError(err)
			testutils.NewTextAsserter(s.T()).Assert(stdout, tt.expected)
		})
	}
}

func (s *CommandsTestSuite) TestReadUnknownCharacteristic() {
	_, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19")
	s.Require().Error(err)
	s.True(device.IsNotFound(err, "characteristic"))
	s.Contains(FormatUserError(err), "blectf services")
}

func (s *CommandsTestSuite) TestReadWrongService() {
	_, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a00", "--service", "180f")
	s.Require().Error(err)
	s.True(device.IsNotFound(err, "service"))
}

func (s *CommandsTestSuite) TestReadRejectedByPeer() {
	s.UsePeripheral(testutils.CTFPeripheral().
		WithReadStatus(bledb.MustUUID(bledb.CTFService), bledb.MustUUID(bledb.Flag1), device.StatusReadNotPermitted).
		Build())

	_, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "flag1")
	s.Require().ErrorIs(err, &device.OperationError{Op: "read", Status: device.StatusReadNotPermitted})
	s.Equal("device rejected the read: read not permitted", FormatUserError(err))
}

func (s *CommandsTestSuite) TestWrite() {
	svc, name := bledb.MustUUID(bledb.CTFService), bledb.MustUUID(bledb.NameChar)

	tests := []struct {
		name       string
		peripheral *testutils.PeripheralBuilder
		args       []string
		payload    string
		expected   string
		mode       gatt.WriteMode
	}{
		{
			name:       "text payload",
			peripheral: testutils.CTFPeripheral(),
			args:       []string{"name", "Alice"},
			payload:    "Alice",
			expected:   "OK wrote 5 bytes to name (explicit write)",
			mode:       gatt.WriteModeExplicit,
		},
		{
			name:       "hex payload",
			peripheral: testutils.CTFPeripheral(),
			args:       []string{"name", "41:6c", "--hex"},
			payload:    "Al",
			expected:   "OK wrote 2 bytes to name (explicit write)",
			mode:       gatt.WriteModeExplicit,
		},
		{
			name:       "legacy peripheral",
			peripheral: testutils.CTFPeripheral().WithLegacyWritesOnly(),
			args:       []string{name, "Tom"},
			payload:    "Tom",
			expected:   "OK wrote 3 bytes to name (legacy write)",
			mode:       gatt.WriteModeLegacy,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.UsePeripheral(tt.peripheral.Build())

			stdout, _, err := s.ExecuteCommand(append([]string{"write", TestDeviceAddress1}, tt.args...)...)
			s.Require().NoError(err)
			testutils.NewTextAsserter(s.T()).Assert(stdout, tt.expected)

			s.Equal([][]byte{[]byte(tt.payload)}, s.Peripheral.Writes(svc, name))
			calls := s.Transport.LastLink().CallsTo("write")
			s.Require().Len(calls, 1)
			s.Equal(tt.mode, calls[0].Mode)
		})
	}
}

func (s *CommandsTestSuite) TestWriteInvalidHex() {
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "name", "zz", "--hex")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid hex payload")
	s.Empty(s.Transport.Links(), "no connection MUST be made for an invalid payload")
}

func (s *CommandsTestSuite) TestNotifyPrintsValuesAndUnsubscribes() {
	// GOAL: Verify notify prints notifications as they arrive and disables them on exit
	//
	// TEST SCENARIO: notify --count 2 → peer sends two values → both printed → CCCD written back to 0x0000
	svc, flag2 := bledb.MustUUID(bledb.CTFService), bledb.MustUUID(bledb.Flag2)

	done := s.ExecuteAsync("notify", TestDeviceAddress1, "flag2", "--count", "2")
	link := s.AwaitSubscribed(bledb.Flag2)
	link.Notify(svc, flag2, []byte("first"))
	link.Notify(svc, flag2, []byte("second"))

	res := testutils.Receive(s.T(), done)
	s.Require().NoError(res.err)

	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	s.Require().Len(lines, 2)
	s.True(strings.HasSuffix(lines[0], `"first"`), lines[0])
	s.True(strings.HasSuffix(lines[1], `"second"`), lines[1])

	s.Equal(bledb.DisableNotificationValue, s.Peripheral.CCCD(svc, flag2))
	s.False(link.DeliveryEnabled(svc, flag2))
}

func (s *CommandsTestSuite) TestNotifyWithoutValues() {
	_, _, err := s.ExecuteCommand("notify", TestDeviceAddress1, "flag2", "--count", "1", "--duration", "50ms")
	s.Require().ErrorIs(err, ErrNoValue)
}

func (s *CommandsTestSuite) TestNotifyRejectsCharacteristicWithoutCCCD() {
	_, _, err := s.ExecuteCommand("notify", TestDeviceAddress1, "flag1", "--duration", "50ms")
	s.Require().Error(err)
	s.True(device.IsNotFound(err, "descriptor"), "got %v", err)
}

func (s *CommandsTestSuite) TestNotifyLinkLost() {
	done := s.ExecuteAsync("notify", TestDeviceAddress1, "flag2")
	link := s.AwaitSubscribed(bledb.Flag2)
	link.Drop(fmt.Errorf("supervision timeout"))

	res := testutils.Receive(s.T(), done)
	s.Require().ErrorIs(res.err, device.ErrLinkLost)
	s.Equal("connection to the device was lost", FormatUserError(res.err))
}

func (s *CommandsTestSuite) TestCTFFlow() {
	// GOAL: Verify the ctf command captures both flags and counts the name write
	//
	// TEST SCENARIO: ctf <address> --json → flag2 notification after subscribe → final UIState printed
	svc, flag2 := bledb.MustUUID(bledb.CTFService), bledb.MustUUID(bledb.Flag2)

	done := s.ExecuteAsync("ctf", TestDeviceAddress1, "--json")
	link := s.AwaitSubscribed(bledb.Flag2)
	link.Notify(svc, flag2, []byte("flag{notified}"))

	res := testutils.Receive(s.T(), done)
	s.Require().NoError(res.err, res.stderr)

	testutils.NewJSONAsserter(s.T()).Assert(res.stdout, fmt.Sprintf(`{
		"active_device": {"address": %q},
		"connection_state": "disconnected",
		"is_device_connected": false,
		"flag1": "flag{read-me}",
		"name_written_times": 1,
		"flag2_value": "flag{notified}"
	}`, TestDeviceAddress1))

	var state ctf.UIState
	s.Require().NoError(json.Unmarshal([]byte(res.stdout), &state))
	s.Len(state.Services, 2)
	s.Empty(state.LastError)

	testutils.NewTextAsserter(s.T()).Assert(res.stderr, `OK   connect
OK   discover services
OK   read flag 1
OK   write name
OK   enable flag 2 notifications
OK   wait for flag 2
OK   disable flag 2 notifications`)

	s.Equal([][]byte{[]byte("Tom")}, s.Peripheral.Writes(svc, bledb.MustUUID(bledb.NameChar)))
	s.Equal(bledb.DisableNotificationValue, s.Peripheral.CCCD(svc, flag2))
}

func (s *CommandsTestSuite) TestCTFNamePayloadFromFlagAndConfig() {
	svc, name := bledb.MustUUID(bledb.CTFService), bledb.MustUUID(bledb.NameChar)

	s.WriteConfig(testConfig + "name_payload: Bob\n")
	_, _, err := s.ExecuteCommand("ctf", TestDeviceAddress1, "--duration", "50ms")
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Equal([][]byte{[]byte("Bob")}, s.Peripheral.Writes(svc, name))

	_, _, err = s.ExecuteCommand("ctf", TestDeviceAddress1, "--duration", "50ms", "--name", "Eve")
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Equal([][]byte{[]byte("Bob"), []byte("Eve")}, s.Peripheral.Writes(svc, name))
}

func (s *CommandsTestSuite) TestCTFFindsDeviceByScanning() {
	s.Source.Advertise(
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress2).WithName("Other").Build(),
		ctfAdvertisement(TestDeviceAddress1, "CTF-1"),
	)

	stdout, stderr, err := s.ExecuteCommand("ctf", "--duration", "50ms")
	s.Require().ErrorIs(err, context.DeadlineExceeded, "flag 2 never arrives")

	s.Contains(stderr, "Found CTF-1")
	s.Contains(stderr, "OK   write name")
	s.Contains(stderr, "FAIL wait for flag 2: timed out waiting for the device")

	s.Contains(stdout, "Device:        CTF-1 ("+TestDeviceAddress1+")")
	s.Contains(stdout, `Flag 1:        "flag{read-me}"`)
	s.Contains(stdout, "Name written:  1")
	s.Contains(stdout, "Flag 2:        -")
}

func (s *CommandsTestSuite) TestCTFNoDeviceFound() {
	s.WriteConfig("scan_timeout: 50ms\n")

	_, _, err := s.ExecuteCommand("ctf")
	s.Require().ErrorIs(err, ErrNoDeviceFound)
	s.Empty(s.Transport.Links())
}

func (s *CommandsTestSuite) TestCTFStopsAtFirstFailure() {
	s.UsePeripheral(testutils.CTFPeripheral().
		WithWriteStatus(bledb.MustUUID(bledb.CTFService), bledb.MustUUID(bledb.NameChar), device.StatusWriteNotPermitted).
		Build())

	stdout, stderr, err := s.ExecuteCommand("ctf", TestDeviceAddress1, "--json", "--activity")
	s.Require().ErrorIs(err, &device.OperationError{Op: "write"})

	s.Contains(stderr, "FAIL write name: device rejected the write: write not permitted")
	s.NotContains(stderr, "enable flag 2 notifications")

	var out struct {
		ctf.UIState
		Activity []ctf.Activity `json:"activity"`
	}
	s.Require().NoError(json.Unmarshal([]byte(stdout), &out))
	s.Equal(0, out.NameWrittenTimes)
	s.Require().NotNil(out.Flag1)
	s.Equal("flag{read-me}", *out.Flag1)

	ops := make([]gatt.OpKind, 0, len(out.Activity))
	for _, a := range out.Activity {
		ops = append(ops, a.Op)
	}
	s.Equal([]gatt.OpKind{gatt.OpConnect, gatt.OpDiscover, gatt.OpRead, gatt.OpWrite}, ops)
	s.False(out.Activity[3].OK)
}

func (s *CommandsTestSuite) TestInvalidLogLevel() {
	_, _, err := s.ExecuteCommand("scan", "--log-level", "verbose")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid log level")
}

func (s *CommandsTestSuite) TestMissingExplicitConfig() {
	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"scan", "--config", "/nonexistent/blectf.yaml"})
	err := rootCmd.Execute()
	s.Require().Error(err)
	s.Contains(err.Error(), "failed to load config")
}
