package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
)

// PeripheralBuilder configures a FakePeripheral with a fluent API.
//
//	p := testutils.NewPeripheralBuilder().
//	    WithService("180F").
//	    WithCharacteristic("2A19", "read,notify", []byte{50}).
//	    Build()
type PeripheralBuilder struct {
	p       *FakePeripheral
	service string
}

// NewPeripheralBuilder creates an empty peripheral that supports explicit-payload writes.
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{p: newFakePeripheral()}
}

// CTFPeripheral returns a builder preloaded with the CTF service.
func CTFPeripheral() *PeripheralBuilder {
	return NewPeripheralBuilder().FromJSON(`{
		"services": [
			{
				"uuid": "1800",
				"characteristics": [
					{ "uuid": "2a00", "properties": "read", "value_str": "CTF" }
				]
			},
			{
				"uuid": %q,
				"characteristics": [
					{ "uuid": %q, "properties": "read", "value_str": "flag{read-me}" },
					{ "uuid": %q, "properties": "read,write" },
					{ "uuid": %q, "properties": "read,notify", "value_str": "" }
				]
			}
		]
	}`, bledb.MustUUID(bledb.CTFService), bledb.MustUUID(bledb.Flag1),
		bledb.MustUUID(bledb.NameChar), bledb.MustUUID(bledb.Flag2))
}

type peripheralJSON struct {
	Services []struct {
		UUID            string `json:"uuid"`
		Characteristics []struct {
			UUID       string `json:"uuid"`
			Properties string `json:"properties"`
			Value      []byte `json:"value"`
			ValueStr   string `json:"value_str"`
		} `json:"characteristics"`
	} `json:"services"`
}

// FromJSON adds services and characteristics from a JSON description.
// Panics on invalid JSON as this is intended for test data setup.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	var desc peripheralJSON
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &desc); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	for _, svc := range desc.Services {
		b.WithService(svc.UUID)
		for _, c := range svc.Characteristics {
			value := c.Value
			if c.ValueStr != "" {
				value = []byte(c.ValueStr)
			}
			b.WithCharacteristic(c.UUID, c.Properties, value)
		}
	}
	return b
}

// WithService appends a service; subsequent characteristics are added to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.p.services = append(b.p.services, device.ServiceDescriptor{UUID: mustCanonical(uuid)})
	b.service = mustCanonical(uuid)
	return b
}

// WithCharacteristic appends a characteristic to the last service. A notify
// or indicate property implies a CCCD.
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if b.service == "" {
		panic("WithCharacteristic called before WithService")
	}
	props := parseProperties(properties)
	c := device.CharacteristicDescriptor{
		UUID:       mustCanonical(uuid),
		Properties: props,
		HasCCCD:    props.Has(device.PropNotify) || props.Has(device.PropIndicate),
	}
	last := &b.p.services[len(b.p.services)-1]
	last.Characteristics = append(last.Characteristics, c)
	if value != nil {
		b.p.values[device.CharKey(b.service, c.UUID)] = append([]byte(nil), value...)
	}
	return b
}

// WithoutCCCD strips the CCCD from a characteristic that advertises notify.
func (b *PeripheralBuilder) WithoutCCCD(service, char string) *PeripheralBuilder {
	key := device.CharKey(service, char)
	for i := range b.p.services {
		for j := range b.p.services[i].Characteristics {
			c := &b.p.services[i].Characteristics[j]
			if device.CharKey(b.p.services[i].UUID, c.UUID) == key {
				c.HasCCCD = false
			}
		}
	}
	return b
}

// WithLegacyWritesOnly makes the link negotiate the staged-value write path.
func (b *PeripheralBuilder) WithLegacyWritesOnly() *PeripheralBuilder {
	b.p.explicitWrite = false
	return b
}

// WithReadStatus makes reads of the characteristic complete with status.
func (b *PeripheralBuilder) WithReadStatus(service, char string, status device.Status) *PeripheralBuilder {
	b.p.statuses["read "+device.CharKey(service, char)] = status
	return b
}

// WithWriteStatus makes writes of the characteristic complete with status.
func (b *PeripheralBuilder) WithWriteStatus(service, char string, status device.Status) *PeripheralBuilder {
	b.p.statuses["write "+device.CharKey(service, char)] = status
	return b
}

// WithDescriptorStatus makes CCCD writes of the characteristic complete with status.
func (b *PeripheralBuilder) WithDescriptorStatus(service, char string, status device.Status) *PeripheralBuilder {
	b.p.statuses["descriptor "+device.CharKey(service, char)] = status
	return b
}

// WithDiscoveryFailure makes discovery complete with EventDiscoveryFailed.
func (b *PeripheralBuilder) WithDiscoveryFailure(status device.Status) *PeripheralBuilder {
	b.p.discoveryStatus = status
	return b
}

// WithLinkFailure makes every connection attempt end with EventLinkFailed.
func (b *PeripheralBuilder) WithLinkFailure(err error) *PeripheralBuilder {
	b.p.linkErr = err
	return b
}

// Build returns the configured peripheral.
func (b *PeripheralBuilder) Build() *FakePeripheral {
	return b.p
}

func mustCanonical(uuid string) string {
	c, err := bledb.CanonicalUUID(uuid)
	if err != nil {
		panic(err)
	}
	return c
}

func parseProperties(s string) device.Property {
	var p device.Property
	for _, name := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "read":
			p |= device.PropRead
		case "write":
			p |= device.PropWrite
		case "write-without-response", "writewithoutresponse":
			p |= device.PropWriteNoResponse
		case "notify":
			p |= device.PropNotify
		case "indicate":
			p |= device.PropIndicate
		case "broadcast":
			p |= device.PropBroadcast
		}
	}
	return p
}
