package goble

import (
	"errors"

	"github.com/go-ble/ble"
	"github.com/srg/blectf/internal/device"
)

// NormalizeError maps go-ble error strings to the device error taxonomy.
func NormalizeError(err error) error {
	return device.NormalizeError(err)
}

// statusFromError maps a go-ble error to an ATT status. Errors that carry no
// ATT code (timeouts, cancelled links) map to StatusFailure.
func statusFromError(err error) device.Status {
	if err == nil {
		return device.StatusSuccess
	}
	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return device.Status(attErr)
	}
	return device.StatusFailure
}
