package ctf

import (
	"time"

	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
)

// ServiceEntry is one discovered service with its characteristic UUIDs in discovery order.
type ServiceEntry struct {
	UUID            string   `json:"uuid"`
	Name            string   `json:"name,omitempty"`
	Characteristics []string `json:"characteristics"`
}

// UIState is the snapshot a front end renders.
type UIState struct {
	IsScanning        bool                  `json:"is_scanning"`
	FoundDevices      []device.RemoteDevice `json:"found_devices"`
	ActiveDevice      *device.RemoteDevice  `json:"active_device"`
	ConnectionState   gatt.State            `json:"connection_state"`
	IsDeviceConnected bool                  `json:"is_device_connected"`
	Services          []ServiceEntry        `json:"services"`
	Flag1             *string               `json:"flag1"`
	NameWrittenTimes  int                   `json:"name_written_times"`
	Flag2Value        *string               `json:"flag2_value"`
	LastError         string                `json:"last_error,omitempty"`
}

// withoutSession drops everything derived from the active session.
func (s UIState) withoutSession() UIState {
	return UIState{
		IsScanning:   s.IsScanning,
		FoundDevices: s.FoundDevices,
	}
}

// Activity is one completed request of the active session.
type Activity struct {
	Time           time.Time      `json:"time"`
	Device         string         `json:"device"`
	Op             gatt.OpKind    `json:"op"`
	Characteristic string         `json:"characteristic,omitempty"`
	OK             bool           `json:"ok"`
	Error          string         `json:"error,omitempty"`
	ID             gatt.RequestID `json:"id"`
}

func serviceEntries(services []device.ServiceDescriptor) []ServiceEntry {
	if len(services) == 0 {
		return nil
	}
	out := make([]ServiceEntry, 0, len(services))
	for _, svc := range services {
		e := ServiceEntry{UUID: svc.UUID, Characteristics: make([]string, 0, len(svc.Characteristics))}
		if n, ok := bledb.LookupName(svc.UUID); ok {
			e.Name = string(n)
		}
		for _, c := range svc.Characteristics {
			e.Characteristics = append(e.Characteristics, c.UUID)
		}
		out = append(out, e)
	}
	return out
}

func stringPtr(b []byte) *string {
	s := string(b)
	return &s
}
