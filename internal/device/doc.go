// Package device holds the host independent BLE domain model shared by the
// GATT session, the scanner and the transport adapters: remote device
// identity, discovered GATT tables, ATT status codes and the error taxonomy.
package device
