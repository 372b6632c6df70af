package device

import (
	"strings"

	"github.com/srg/blectf/internal/bledb"
)

// RemoteDevice identifies a peripheral observed by the scanner. It is
// immutable once observed.
type RemoteDevice struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// DisplayName returns the advertised name or the address when the device is anonymous.
func (d RemoteDevice) DisplayName() string {
	if strings.TrimSpace(d.Name) == "" {
		return d.Address
	}
	return d.Name
}

// Advertisement is the subset of advertising data the scanner consumes.
type Advertisement interface {
	LocalName() string
	Services() []string
	Connectable() bool
	RSSI() int
	Addr() string
}

// Property is a GATT characteristic property bit set.
type Property uint8

const (
	PropBroadcast       Property = 0x01
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
	PropIndicate        Property = 0x20
)

var propertyNames = []struct {
	bit  Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNoResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Has reports whether all bits in p2 are set.
func (p Property) Has(p2 Property) bool { return p&p2 == p2 }

// Names lists the set property names in bit order.
func (p Property) Names() []string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.bit) {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Property) String() string {
	return strings.Join(p.Names(), ",")
}

// CharacteristicDescriptor describes one discovered characteristic.
type CharacteristicDescriptor struct {
	UUID       string   `json:"uuid"`
	Properties Property `json:"properties"`
	HasCCCD    bool     `json:"has_cccd"`
}

// ServiceDescriptor describes one discovered service and its characteristics in discovery order.
type ServiceDescriptor struct {
	UUID            string                     `json:"uuid"`
	Characteristics []CharacteristicDescriptor `json:"characteristics"`
}

// Characteristic returns the characteristic with the given UUID in any accepted format.
func (s ServiceDescriptor) Characteristic(uuid string) (CharacteristicDescriptor, bool) {
	norm := bledb.NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if bledb.NormalizeUUID(c.UUID) == norm {
			return c, true
		}
	}
	return CharacteristicDescriptor{}, false
}

// FindCharacteristic resolves (service, characteristic) against a discovered
// table, returning a NotFoundError naming the missing level.
func FindCharacteristic(services []ServiceDescriptor, service, char string) (CharacteristicDescriptor, error) {
	norm := bledb.NormalizeUUID(service)
	for _, svc := range services {
		if bledb.NormalizeUUID(svc.UUID) != norm {
			continue
		}
		if c, ok := svc.Characteristic(char); ok {
			return c, nil
		}
		return CharacteristicDescriptor{}, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}
	return CharacteristicDescriptor{}, &NotFoundError{Resource: "service", UUIDs: []string{service}}
}

// CloneServices deep-copies a service table.
func CloneServices(services []ServiceDescriptor) []ServiceDescriptor {
	if services == nil {
		return nil
	}
	out := make([]ServiceDescriptor, len(services))
	for i, s := range services {
		out[i] = ServiceDescriptor{
			UUID:            s.UUID,
			Characteristics: append([]CharacteristicDescriptor(nil), s.Characteristics...),
		}
	}
	return out
}

// CharKey is the normalized identity of a characteristic within a peer.
func CharKey(service, char string) string {
	return bledb.NormalizeUUID(service) + "/" + bledb.NormalizeUUID(char)
}
