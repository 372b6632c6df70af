package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/gatt"
)

// Command-level errors
var (
	// ErrNoDeviceFound is returned by ctf when no address was given and the scan found nothing.
	ErrNoDeviceFound = errors.New("no CTF device found")

	// ErrNoValue is returned by notify when the notification window closed without a value.
	ErrNoValue = errors.New("no notification received")
)

// FormatUserError turns session and transport errors into a one-line message
// suitable for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	var oerr *device.OperationError
	switch {
	case errors.Is(err, device.ErrTransportUnavailable):
		return "Bluetooth is not available; check that the adapter is present and powered on"
	case errors.Is(err, device.ErrBusy):
		return "another GATT operation is still in progress"
	case errors.Is(err, device.ErrNotConnected):
		return "device is not connected"
	case errors.Is(err, device.ErrAlreadyConnected):
		return "device is already connected"
	case errors.Is(err, device.ErrLinkFailed):
		return fmt.Sprintf("could not connect to device: %v", err)
	case errors.Is(err, device.ErrLinkLost), errors.Is(err, device.ErrAbandoned):
		return "connection to the device was lost"
	case errors.Is(err, device.ErrDiscoveryFailed):
		return fmt.Sprintf("service discovery failed: %s", device.StatusOf(err))
	case errors.As(err, &nf):
		return fmt.Sprintf("%s (run 'blectf services <address>' to list what the device offers)", nf.Error())
	case errors.As(err, &oerr):
		return fmt.Sprintf("device rejected the %s: %s", oerr.Op, oerr.Status)
	case errors.Is(err, gatt.ErrClosed):
		return "session closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the device"
	}
	return err.Error()
}
