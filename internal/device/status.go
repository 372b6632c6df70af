package device

import "fmt"

// Status is the completion status of a GATT operation. Values below 0x100
// are ATT protocol error codes; StatusFailure covers transport failures that
// carry no ATT code.
type Status uint16

const (
	StatusSuccess                     Status = 0x00
	StatusInvalidHandle               Status = 0x01
	StatusReadNotPermitted            Status = 0x02
	StatusWriteNotPermitted           Status = 0x03
	StatusInvalidPDU                  Status = 0x04
	StatusInsufficientAuthentication  Status = 0x05
	StatusRequestNotSupported         Status = 0x06
	StatusInvalidOffset               Status = 0x07
	StatusInsufficientAuthorization   Status = 0x08
	StatusAttributeNotFound           Status = 0x0a
	StatusAttributeNotLong            Status = 0x0b
	StatusInvalidAttributeValueLength Status = 0x0d
	StatusUnlikelyError               Status = 0x0e
	StatusInsufficientEncryption      Status = 0x0f
	StatusUnsupportedGroupType        Status = 0x10
	StatusInsufficientResources       Status = 0x11
	StatusCCCDImproperlyConfigured    Status = 0xfd
	StatusFailure                     Status = 0x101
)

var statusNames = map[Status]string{
	StatusSuccess:                     "success",
	StatusInvalidHandle:               "invalid handle",
	StatusReadNotPermitted:            "read not permitted",
	StatusWriteNotPermitted:           "write not permitted",
	StatusInvalidPDU:                  "invalid PDU",
	StatusInsufficientAuthentication:  "insufficient authentication",
	StatusRequestNotSupported:         "request not supported",
	StatusInvalidOffset:               "invalid offset",
	StatusInsufficientAuthorization:   "insufficient authorization",
	StatusAttributeNotFound:           "attribute not found",
	StatusAttributeNotLong:            "attribute not long",
	StatusInvalidAttributeValueLength: "invalid attribute value length",
	StatusUnlikelyError:               "unlikely error",
	StatusInsufficientEncryption:      "insufficient encryption",
	StatusUnsupportedGroupType:        "unsupported group type",
	StatusInsufficientResources:       "insufficient resources",
	StatusCCCDImproperlyConfigured:    "CCCD improperly configured",
	StatusFailure:                     "failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%02x", uint16(s))
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }
