package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used across layers.
var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrModelNotConfigured = errors.New("voice model not configured")
	ErrDownloadFailed     = errors.New("voice download failed")
	ErrSynthesisFailed    = errors.New("speech synthesis failed")
	ErrTransport          = errors.New("vendor transport error")
	ErrAuth               = errors.New("vendor authentication failed")
	ErrInvalidVolume      = errors.New("volume out of range")
	ErrNotSupported       = errors.New("not supported")
)

// DeviceNotFoundError reports a configured device identifier that matched
// nothing in the account roster. Available lists every device seen.
type DeviceNotFoundError struct {
	Configured string
	Available  []Device
}

func (e *DeviceNotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "device %q not found", e.Configured)
	if len(e.Available) == 0 {
		b.WriteString(" (account has no devices)")
		return b.String()
	}
	b.WriteString("; available: ")
	for i, d := range e.Available {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.String())
	}
	return b.String()
}

func (e *DeviceNotFoundError) Unwrap() error { return ErrDeviceNotFound }
