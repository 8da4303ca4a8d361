// Package usb implements the five adapter backends of the probe
// transport contract on top of the gousb platform stack: the BSL HID
// bootstrap loader, CDC-ACM virtual serial ports, the CP210x and FTDI
// serial bridges, and the TI3410 UART controller with its firmware
// bootstrap.
package usb

import (
	"fmt"

	"github.com/google/gousb"

	"github.com/fetlink/fetlink-go/memorywriter"
	"github.com/fetlink/fetlink-go/transport"
)

// Context owns the process-wide USB stack handle. Construct one,
// share it between the locator and the backends, and Close it when
// the last transport is gone.
type Context struct {
	bus hostBus
	mw  *memorywriter.MemoryWriter
}

// NewContext initializes the underlying USB stack.
func NewContext(mw *memorywriter.MemoryWriter) *Context {
	if mw == nil {
		mw, _ = memorywriter.New(16, 16, false, nil)
	}
	return &Context{
		bus: &gousbBus{ctx: gousb.NewContext()},
		mw:  mw,
	}
}

// Close tears down the USB stack. Transports created from this
// context must be closed first.
func (c *Context) Close() {
	c.mw.Log("closing usb context")
	if err := c.bus.Close(); err != nil {
		c.mw.Log("warning: " + err.Error())
	}
}

// Config carries open-time options shared by the backends.
type Config struct {
	Kind     transport.Kind
	BaudRate int // serial backends only; 0 means 460800
}

const defaultBaudRate = 460800

// Open resolves ref and brings up the chosen backend.
func Open(c *Context, ref transport.DeviceRef, cfg Config) (transport.Transport, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	switch cfg.Kind {
	case transport.KindBSLHID:
		return OpenBSLHID(c, ref)
	case transport.KindCDCACM:
		return OpenCDCACM(c, ref, baud)
	case transport.KindCP210x:
		return OpenCP210x(c, ref, baud)
	case transport.KindFTDI:
		return OpenFTDI(c, ref, baud)
	case transport.KindTI3410:
		return OpenTI3410(c, ref)
	}
	return nil, fmt.Errorf("%w: backend %v", transport.ErrUnsupported, cfg.Kind)
}
