package main

import (
	"testing"

	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name     string
		value    []byte
		forceHex bool
		expected string
	}{
		{name: "nil", value: nil, expected: "-"},
		{name: "empty", value: []byte{}, expected: `""`},
		{name: "text", value: []byte("flag{x}"), expected: `"flag{x}"`},
		{name: "text with newline", value: []byte("a\n"), expected: `"a\n"`},
		{name: "binary", value: []byte{0x00, 0xff}, expected: "00FF"},
		{name: "forced hex", value: []byte("Tom"), forceHex: true, expected: "546F6D"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatValue(tt.value, tt.forceHex))
		})
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		isHex    bool
		expected []byte
		wantErr  bool
	}{
		{name: "text", input: "Tom", expected: []byte("Tom")},
		{name: "simple hex", input: "0102", isHex: true, expected: []byte{0x01, 0x02}},
		{name: "hex with prefix", input: "0xFF01", isHex: true, expected: []byte{0xff, 0x01}},
		{name: "hex with spaces", input: "01 02 03", isHex: true, expected: []byte{0x01, 0x02, 0x03}},
		{name: "hex with colons", input: "01:02", isHex: true, expected: []byte{0x01, 0x02}},
		{name: "odd length", input: "123", isHex: true, wantErr: true},
		{name: "not hex", input: "zz", isHex: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload(tt.input, tt.isHex)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolveTarget(t *testing.T) {
	services := testutils.CTFPeripheral().
		WithService("180f").
		WithCharacteristic("2a00", "read", nil).
		Build().
		Services()

	ctfSvc := bledb.MustUUID(bledb.CTFService)
	battery := "0000180f-0000-1000-8000-00805f9b34fb"
	deviceName := "00002a00-0000-1000-8000-00805f9b34fb"

	tests := []struct {
		name       string
		char       string
		service    string
		expected   target
		notFound   string
		errContain string
	}{
		{name: "symbolic name", char: "flag2", expected: target{service: ctfSvc, char: bledb.MustUUID(bledb.Flag2)}},
		{name: "unique UUID", char: bledb.MustUUID(bledb.Flag1), expected: target{service: ctfSvc, char: bledb.MustUUID(bledb.Flag1)}},
		{name: "explicit service", char: "2A00", service: "180F", expected: target{service: battery, char: deviceName}},
		{name: "explicit service by name", char: "flag1", service: "ctf-service", expected: target{service: ctfSvc, char: bledb.MustUUID(bledb.Flag1)}},
		{name: "ambiguous UUID", char: "2a00", errContain: "use --service"},
		{name: "unknown characteristic", char: "2a19", notFound: "characteristic"},
		{name: "unknown service", char: "2a00", service: "180d", notFound: "service"},
		{name: "invalid UUID", char: "xyz", errContain: "invalid UUID"},
		{name: "characteristic outside its service", char: "2a00", service: ctfSvc, notFound: "characteristic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveTarget(services, tt.char, tt.service)
			switch {
			case tt.notFound != "":
				require.Error(t, err)
				assert.True(t, device.IsNotFound(err, tt.notFound), "got %v", err)
			case tt.errContain != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.expected, got)
			}
		})
	}

}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "flag1", target{char: bledb.MustUUID(bledb.Flag1)}.String())
	assert.Equal(t, "00002a00-0000-1000-8000-00805f9b34fb", target{char: "00002a00-0000-1000-8000-00805f9b34fb"}.String())
}
