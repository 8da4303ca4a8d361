// Package transport defines the byte-stream contract shared by every
// USB adapter backend in the probe toolchain, together with the error
// vocabulary and the timeout-bounded transfer helpers the backends
// have in common.
//
// A Transport owns exactly one claimed USB interface on one opened
// device. All operations block the calling goroutine; concurrent calls
// on the same Transport must be serialized by the caller.
package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// ModemState is the logical state of the modem control outputs. Each
// backend maps the bits to its own wire encoding.
type ModemState uint8

const (
	ModemDTR ModemState = 1 << 0
	ModemRTS ModemState = 1 << 1
)

// Kind selects an adapter backend at open time.
type Kind int

const (
	KindBSLHID Kind = iota
	KindCDCACM
	KindCP210x
	KindFTDI
	KindTI3410
)

func (k Kind) String() string {
	switch k {
	case KindBSLHID:
		return "bslhid"
	case KindCDCACM:
		return "cdc-acm"
	case KindCP210x:
		return "cp210x"
	case KindFTDI:
		return "ftdi"
	case KindTI3410:
		return "ti3410"
	}
	return "unknown"
}

// ParseKind maps a backend name to its Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindBSLHID, KindCDCACM, KindCP210x, KindFTDI, KindTI3410} {
		if s == k.String() {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown backend %q", s)
}

// DeviceRef names a device without holding it open: either a
// "bus:address" location, or a vendor/product pair with an optional
// serial string. It is consulted at open and resume time only.
type DeviceRef struct {
	Location string // "003:007", empty when selecting by identity
	Vendor   uint16
	Product  uint16
	Serial   string // optional, compared case-insensitively
}

func (r DeviceRef) String() string {
	if r.Location != "" {
		return r.Location
	}
	s := fmt.Sprintf("%04x:%04x", r.Vendor, r.Product)
	if r.Serial != "" {
		s += " serial=" + r.Serial
	}
	return s
}

// ParseLocation splits a "<bus>:<device>" location string.
func ParseLocation(loc string) (bus, address int, err error) {
	busText, devText, ok := strings.Cut(strings.TrimSpace(loc), ":")
	if !ok {
		return 0, 0, fmt.Errorf("location must be specified as <bus>:<device>")
	}
	bus, err = strconv.Atoi(busText)
	if err != nil {
		return 0, 0, fmt.Errorf("bad bus number %q", busText)
	}
	address, err = strconv.Atoi(devText)
	if err != nil {
		return 0, 0, fmt.Errorf("bad device address %q", devText)
	}
	return bus, address, nil
}

// Transport is the uniform byte-stream surface over one USB adapter.
//
// Lifecycle: a Transport is Open once its open routine returns, moves
// to Suspended via Suspend (the USB claim is released but the
// DeviceRef is retained) and back to Open via Resume. Close is valid
// in any state and is idempotent. No operation other than Resume and
// Close is valid while Suspended.
type Transport interface {
	// Send delivers all of data or fails. It loops over partial
	// completions internally, up to a backend-specific deadline.
	Send(data []byte) error

	// Recv blocks up to a backend-specific deadline and fills buf
	// with 0..len(buf) bytes. Some backends pass zero-byte
	// completions through to the caller.
	Recv(buf []byte) (int, error)

	// Flush drains any already-buffered inbound data. Best effort;
	// it never returns transfer failures.
	Flush() error

	// SetModem drives the DTR/RTS outputs. Backends without modem
	// control wiring fail with ErrUnsupported.
	SetModem(state ModemState) error

	Suspend() error
	Resume() error
	Close() error
}
