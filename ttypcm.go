// Package ttypcm turns a serial line into a virtual sound device and
// coordinates it with a modem's V.253 voice mode, so that audio and AT-command
// traffic can share one physical line.
//
// The package is made of a few cooperating pieces:
//
//   - Session opens and configures the character device (raw mode, speeds,
//     non-blocking I/O with partial-transfer retry).
//   - ModeFlag is a one-byte shared-memory region, named after the device's
//     major/minor numbers, that the relay daemon writes and every stream reads.
//   - Encode and Decoder implement DLE shielding of the voice payload.
//   - Stream is the per-direction PCM engine behind the PCM capability
//     interface an audio host drives.
//   - Relay is the AT command relay run by the daemon between a local
//     pseudo-terminal and the real modem.
//
// Example usage:
//
//	settings, err := cfg.For(ttypcm.Playback)
//	if err != nil {
//		log.Fatal(err)
//	}
//	stream, err := ttypcm.OpenStream(ttypcm.Playback, settings, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer stream.Close()
package ttypcm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig is returned when stream settings are missing or invalid
	ErrConfig = errors.New("invalid configuration")
	// ErrDeviceOpen is returned when the serial device cannot be opened or inspected
	ErrDeviceOpen = errors.New("device open failed")
	// ErrNotCharDevice is returned when the device path is not a character device
	ErrNotCharDevice = errors.New("not a character device")
	// ErrBaudMismatch is returned when the driver does not apply the requested speeds
	ErrBaudMismatch = errors.New("baud rate mismatch")
	// ErrTransport is returned on a hard read or write failure on the device
	ErrTransport = errors.New("transport i/o error")
	// ErrStreamClosed is returned when using a stream after Close
	ErrStreamClosed = errors.New("stream closed")
	// ErrReadOnlyFlag is returned when writing a mode flag opened read-only
	ErrReadOnlyFlag = errors.New("mode flag is read-only")
)

// BaudMismatchError reports the speeds requested from and applied by the driver.
type BaudMismatchError struct {
	WantIn, WantOut int
	GotIn, GotOut   int
}

func (e *BaudMismatchError) Error() string {
	return fmt.Sprintf("baud rate mismatch: requested %d/%d, driver applied %d/%d",
		e.WantIn, e.WantOut, e.GotIn, e.GotOut)
}

// Is reports ErrBaudMismatch as the sentinel for this error.
func (e *BaudMismatchError) Is(target error) bool {
	return target == ErrBaudMismatch
}

// Direction selects which side of the virtual sound device a stream serves.
type Direction int

const (
	// Playback writes audio to the line
	Playback Direction = iota
	// Capture reads audio from the line
	Capture
	// Duplex is used by the relay daemon, which both reads and writes the modem
	Duplex
)

// String returns a human-readable representation of the direction.
func (d Direction) String() string {
	switch d {
	case Playback:
		return "playback"
	case Capture:
		return "capture"
	case Duplex:
		return "duplex"
	default:
		return "unknown"
	}
}

// Format is the sample format of a stream. Streams are always mono.
type Format int

const (
	// FormatUnknown is the zero value; it never survives settings resolution
	FormatUnknown Format = iota
	// FormatU8 is unsigned 8-bit PCM
	FormatU8
	// FormatS16LE is signed 16-bit little-endian PCM
	FormatS16LE
	// FormatS32LE is signed 32-bit little-endian PCM
	FormatS32LE
)

// String returns the ALSA-style name of the format.
func (f Format) String() string {
	switch f {
	case FormatU8:
		return "U8"
	case FormatS16LE:
		return "S16_LE"
	case FormatS32LE:
		return "S32_LE"
	default:
		return "unknown"
	}
}

// Bits returns the sample width in bits, 0 for an unknown format.
func (f Format) Bits() int {
	switch f {
	case FormatU8:
		return 8
	case FormatS16LE:
		return 16
	case FormatS32LE:
		return 32
	default:
		return 0
	}
}

// FrameSize returns the size in bytes of one mono frame.
func (f Format) FrameSize() int {
	return f.Bits() / 8
}

// ParseFormat converts a format name to its Format. Matching is case-insensitive
// and accepts the short forms "u8", "s16" and "s32".
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return FormatUnknown, nil
	case "U8":
		return FormatU8, nil
	case "S16_LE", "S16LE", "S16":
		return FormatS16LE, nil
	case "S32_LE", "S32LE", "S32":
		return FormatS32LE, nil
	default:
		return FormatUnknown, fmt.Errorf("%w: unsupported format %q", ErrConfig, s)
	}
}

// Framing selects how stream payload is transported on the line.
type Framing int

const (
	// FramingRaw moves bytes unmodified
	FramingRaw Framing = iota
	// FramingFramed applies DLE shielding while the line is in voice mode
	FramingFramed
)

// String returns the configuration name of the framing mode.
func (f Framing) String() string {
	switch f {
	case FramingRaw:
		return "raw"
	case FramingFramed:
		return "framed"
	default:
		return "unknown"
	}
}

// ParseFraming converts a framing name to its Framing. An empty name is raw.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return FramingRaw, nil
	case "framed":
		return FramingFramed, nil
	default:
		return FramingRaw, fmt.Errorf("%w: unsupported framing %q", ErrConfig, s)
	}
}
