// Package bledb maps symbolic attribute names used by the CTF client to
// 128-bit UUIDs and provides UUID normalization helpers shared by every
// layer that compares attribute identities.
package bledb

import (
	"fmt"
	"sort"
	"strings"
)

// Name is a symbolic attribute name.
type Name string

const (
	CTFService Name = "ctf-service"
	Flag1      Name = "flag1"
	NameChar   Name = "name"
	Flag2      Name = "flag2"
	CCCD       Name = "cccd"
)

// sigBase is the Bluetooth SIG base UUID tail shared by all 16/32-bit UUIDs.
const sigBase = "00001000800000805f9b34fb"

// Client Characteristic Configuration values (little-endian 0x0001 / 0x0000).
var (
	EnableNotificationValue  = []byte{0x01, 0x00}
	DisableNotificationValue = []byte{0x00, 0x00}
)

var registry = map[Name]string{
	CTFService: "8c380000-10bd-4fdb-ba21-1922d6cf860d",
	Flag1:      "8c380001-10bd-4fdb-ba21-1922d6cf860d",
	NameChar:   "8c380002-10bd-4fdb-ba21-1922d6cf860d",
	Flag2:      "8c380003-10bd-4fdb-ba21-1922d6cf860d",
	CCCD:       "00002902-0000-1000-8000-00805f9b34fb",
}

// characteristicOwner records which service hosts each CTF characteristic.
var characteristicOwner = map[Name]Name{
	Flag1:    CTFService,
	NameChar: CTFService,
	Flag2:    CTFService,
}

type kind int

const (
	kindService kind = iota
	kindCharacteristic
	kindDescriptor
)

type entry struct {
	name string
	kind kind
}

// known is keyed by normalized UUID.
var known = map[string]entry{
	"8c38000010bd4fdbba211922d6cf860d": {"CTF Service", kindService},
	"8c38000110bd4fdbba211922d6cf860d": {"Flag 1", kindCharacteristic},
	"8c38000210bd4fdbba211922d6cf860d": {"Name", kindCharacteristic},
	"8c38000310bd4fdbba211922d6cf860d": {"Flag 2", kindCharacteristic},
	"1800":                             {"Generic Access", kindService},
	"1801":                             {"Generic Attribute", kindService},
	"180a":                             {"Device Information", kindService},
	"2a00":                             {"Device Name", kindCharacteristic},
	"2a01":                             {"Appearance", kindCharacteristic},
	"2a05":                             {"Service Changed", kindCharacteristic},
	"2a29":                             {"Manufacturer Name String", kindCharacteristic},
	"2900":                             {"Characteristic Extended Properties", kindDescriptor},
	"2901":                             {"Characteristic User Description", kindDescriptor},
	"2902":                             {"Client Characteristic Configuration", kindDescriptor},
}

// MustUUID returns the dashed UUID registered under name.
// An unknown name is a programming error and panics.
func MustUUID(name Name) string {
	uuid, ok := registry[name]
	if !ok {
		panic(fmt.Sprintf("bledb: unknown attribute name %q", name))
	}
	return uuid
}

// Lookup returns the UUID registered under name.
func Lookup(name string) (string, bool) {
	uuid, ok := registry[Name(strings.ToLower(strings.TrimSpace(name)))]
	return uuid, ok
}

// ServiceOf returns the service that hosts the named characteristic.
func ServiceOf(name Name) (Name, bool) {
	svc, ok := characteristicOwner[name]
	return svc, ok
}

// Names returns all registered symbolic names, sorted.
func Names() []Name {
	names := make([]Name, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// LookupName returns the symbolic name for a UUID in any accepted format.
func LookupName(uuid string) (Name, bool) {
	norm := NormalizeUUID(uuid)
	for n, u := range registry {
		if NormalizeUUID(u) == norm {
			return n, true
		}
	}
	return "", false
}

// LookupService returns a human readable service name, or "" if unknown.
func LookupService(uuid string) string {
	return lookup(uuid, kindService)
}

// LookupCharacteristic returns a human readable characteristic name, or "" if unknown.
func LookupCharacteristic(uuid string) string {
	return lookup(uuid, kindCharacteristic)
}

// LookupDescriptor returns a human readable descriptor name, or "" if unknown.
func LookupDescriptor(uuid string) string {
	return lookup(uuid, kindDescriptor)
}

func lookup(uuid string, k kind) string {
	if e, ok := known[NormalizeUUID(uuid)]; ok && e.kind == k {
		return e.name
	}
	return ""
}

// NormalizeUUID converts a UUID string to the internal BLE library format
// (lowercase, no dashes). Braces and a 0x prefix are stripped, and full
// 128-bit UUIDs on the Bluetooth SIG base are reduced to their 16-bit form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.NewReplacer("-", "", "{", "", "}", "").Replace(u)

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBase) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// CanonicalUUID returns the lowercase dashed 128-bit form of uuid.
// 16 and 32-bit forms are expanded onto the Bluetooth SIG base.
func CanonicalUUID(uuid string) (string, error) {
	u := NormalizeUUID(uuid)
	switch len(u) {
	case 4:
		u = "0000" + u + sigBase
	case 8:
		u = u + sigBase
	case 32:
	default:
		return "", fmt.Errorf("invalid UUID %q", uuid)
	}
	for _, r := range u {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("invalid UUID %q", uuid)
		}
	}
	return u[0:8] + "-" + u[8:12] + "-" + u[12:16] + "-" + u[16:20] + "-" + u[20:], nil
}

// ResolveUUID accepts either a registered symbolic name or a UUID and
// returns the canonical dashed UUID.
func ResolveUUID(nameOrUUID string) (string, error) {
	if uuid, ok := Lookup(nameOrUUID); ok {
		return uuid, nil
	}
	return CanonicalUUID(nameOrUUID)
}
