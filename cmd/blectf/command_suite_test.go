package main

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/testutils"
	"github.com/srg/blectf/pkg/config"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"
)

const testConfig = `
scan_timeout: 1s
operation_timeout: 2s
notify_duration: 2s
`

// CommandTestSuite runs commands against a fake CTF peripheral and a fake
// advertisement source instead of the platform adapter.
type CommandTestSuite struct {
	suite.Suite
	Peripheral *testutils.FakePeripheral
	Transport  *testutils.FakeTransport
	Source     *testutils.FakeScanSource

	configPath  string
	openAdapter func(*config.Config, *logrus.Logger) (*adapter, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.UsePeripheral(testutils.CTFPeripheral().Build())
	s.Source = testutils.NewFakeScanSource()
	s.configPath = filepath.Join(s.T().TempDir(), "config.yaml")
	s.WriteConfig(testConfig)

	s.openAdapter = openAdapter
	openAdapter = func(*config.Config, *logrus.Logger) (*adapter, error) {
		return &adapter{transport: s.Transport, source: s.Source}, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	openAdapter = s.openAdapter
}

// UsePeripheral replaces the fake peripheral served by the transport.
func (s *CommandTestSuite) UsePeripheral(p *testutils.FakePeripheral) {
	s.Peripheral = p
	s.Transport = testutils.NewFakeTransport(p)
}

// WriteConfig replaces the config file passed to every command.
func (s *CommandTestSuite) WriteConfig(yaml string) {
	s.Require().NoError(os.WriteFile(s.configPath, []byte(yaml), 0o600))
}

// ExecuteCommand runs the root command with args and returns stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	resetFlags(rootCmd)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(append(args, "--config", s.configPath))
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// ExecuteAsync runs the command in the background; the result arrives on the channel.
func (s *CommandTestSuite) ExecuteAsync(args ...string) <-chan commandResult {
	done := make(chan commandResult, 1)
	go func() {
		stdout, stderr, err := s.ExecuteCommand(args...)
		done <- commandResult{stdout: stdout, stderr: stderr, err: err}
	}()
	return done
}

// AwaitSubscribed waits until the last link delivers notifications of char.
func (s *CommandTestSuite) AwaitSubscribed(char bledb.Name) *testutils.FakeLink {
	svc := bledb.MustUUID(bledb.CTFService)
	uuid := bledb.MustUUID(char)
	var link *testutils.FakeLink
	s.Require().Eventually(func() bool {
		link = s.Transport.LastLink()
		return link != nil && link.DeliveryEnabled(svc, uuid)
	}, testutils.DefaultWait, 5*time.Millisecond, "notifications MUST be enabled")
	return link
}

type commandResult struct {
	stdout string
	stderr string
	err    error
}

// resetFlags restores every flag to its default so runs do not leak into each other.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
