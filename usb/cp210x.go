package usb

import (
	"fmt"
	"time"

	"github.com/fetlink/fetlink-go/memorywriter"
	"github.com/fetlink/fetlink-go/transport"
)

const (
	cp210xTimeout        = 30 * time.Second
	cp210xControlTimeout = 300 * time.Millisecond

	cp210xInEndpoint  = 0x81
	cp210xOutEndpoint = 0x01

	cp210xReqTypeVendorIface = 0x41
	cp210xIfcEnable          = 0x00
	cp210xSetBaudDiv         = 0x01
	cp210xSetMHS             = 0x07

	// baud divisor is derived from a fixed base clock
	cp210xClock = 3500000

	// modem handshake register: low byte carries the line state,
	// high byte the per-line write enables
	cp210xMHSDTR       = 0x0001
	cp210xMHSRTS       = 0x0002
	cp210xMHSDTRWrite  = 0x0100
	cp210xMHSRTSWrite  = 0x0200
	cp210xMHSOpenState = 0x0303
)

// CP210x is the transport for Silicon Labs CP210x serial bridges. The
// bridge is programmed entirely through vendor control requests; bulk
// endpoints are at fixed addresses.
type CP210x struct {
	mw   *memorywriter.MemoryWriter
	ref  transport.DeviceRef
	clk  transport.Clock
	dial func(transport.DeviceRef) (port, error)
	p    port // nil while suspended
	baud int
}

// OpenCP210x resolves ref, claims the bridge's vendor-specific
// interface and enables the UART at the requested baud rate.
func OpenCP210x(c *Context, ref transport.DeviceRef, baudRate int) (*CP210x, error) {
	t := &CP210x{
		mw:   c.mw,
		ref:  ref,
		clk:  transport.SystemClock,
		baud: baudRate,
		dial: func(r transport.DeviceRef) (port, error) {
			return dialCP210x(c, r)
		},
	}
	p, err := t.dial(ref)
	if err != nil {
		return nil, err
	}
	t.p = p
	if err := t.configure(); err != nil {
		t.p.close()
		return nil, err
	}
	return t, nil
}

func dialCP210x(c *Context, ref transport.DeviceRef) (port, error) {
	dev, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	cfg, num, err := findVendorInterface(dev.Desc())
	if err != nil {
		dev.Close()
		return nil, err
	}
	c.mw.Log(fmt.Sprintf("found vendor interface %d", num))
	if err := dev.SetAutoDetach(true); err != nil {
		c.mw.Log("warning: auto-detach: " + err.Error())
	}
	p, err := claimPort(dev, c.mw, cfg, num, cp210xInEndpoint, cp210xOutEndpoint, -1)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return p, nil
}

func (t *CP210x) configure() error {
	t.mw.Log(fmt.Sprintf("configuring bridge, %d baud", t.baud))
	steps := []struct {
		req   uint8
		value uint16
	}{
		{cp210xIfcEnable, 1},
		{cp210xSetBaudDiv, uint16(cp210xClock / t.baud)},
		{cp210xSetMHS, cp210xMHSOpenState},
	}
	for _, s := range steps {
		if _, err := t.p.control(cp210xReqTypeVendorIface, s.req,
			s.value, 0, nil, cp210xControlTimeout); err != nil {
			return fmt.Errorf("%w: request 0x%02x: %v", transport.ErrConfig, s.req, err)
		}
	}
	return nil
}

func (t *CP210x) Send(data []byte) error {
	if t.p == nil {
		return fmt.Errorf("%w: send", transport.ErrSuspended)
	}
	return transport.WriteAll(t.clk, cp210xTimeout, data, func(b []byte) (int, error) {
		return t.p.bulkOut(b, cp210xTimeout)
	})
}

// Recv retries timed-out reads until the deadline and returns the
// first completed transfer, zero-length ones included.
func (t *CP210x) Recv(buf []byte) (int, error) {
	if t.p == nil {
		return 0, fmt.Errorf("%w: recv", transport.ErrSuspended)
	}
	return transport.ReadUntil(t.clk, cp210xTimeout, func() (int, error) {
		return t.p.bulkIn(buf, cp210xTimeout)
	}, func(int) bool { return true })
}

func (t *CP210x) Flush() error {
	if t.p == nil {
		return nil
	}
	var in [64]byte
	for {
		n, err := t.p.bulkIn(in[:], flushTimeout)
		if err != nil || n == 0 {
			return nil
		}
	}
}

// SetModem drives DTR and RTS. The register bits are active-low, so
// an asserted line is written as zero under its write enable.
func (t *CP210x) SetModem(state transport.ModemState) error {
	if t.p == nil {
		return fmt.Errorf("%w: set modem", transport.ErrSuspended)
	}
	value := uint16(cp210xMHSDTRWrite | cp210xMHSRTSWrite)
	if state&transport.ModemDTR == 0 {
		value |= cp210xMHSDTR
	}
	if state&transport.ModemRTS == 0 {
		value |= cp210xMHSRTS
	}
	if _, err := t.p.control(cp210xReqTypeVendorIface, cp210xSetMHS,
		value, 0, nil, cp210xControlTimeout); err != nil {
		return fmt.Errorf("%w: modem handshake: %v", transport.ErrConfig, err)
	}
	return nil
}

func (t *CP210x) Suspend() error {
	if t.p != nil {
		t.mw.Log("releasing claim")
		t.p.close()
		t.p = nil
	}
	return nil
}

func (t *CP210x) Resume() error {
	if t.p != nil {
		return nil
	}
	p, err := t.dial(t.ref)
	if err != nil {
		return fmt.Errorf("failed to resume CP210x device: %w", err)
	}
	t.p = p
	if err := t.configure(); err != nil {
		t.p.close()
		t.p = nil
		return err
	}
	return nil
}

func (t *CP210x) Close() error {
	if t.p != nil {
		t.p.close()
		t.p = nil
	}
	return nil
}
