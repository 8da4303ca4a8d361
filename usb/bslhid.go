package usb

import (
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/fetlink/fetlink-go/memorywriter"
	"github.com/fetlink/fetlink-go/transport"
)

// USB bootstrap loader carried over a HID-class interface. Every
// transfer is a fixed 64-byte report: one header byte, one payload
// length byte, up to 62 payload bytes and padding.

const (
	bslhidVendorID  = 0x2047
	bslhidProductID = 0x0200

	bslhidXferSize = 64
	bslhidMTU      = bslhidXferSize - 2
	bslhidHeader   = 0x3F
	bslhidPadByte  = 0xAC

	bslhidTimeout = 5 * time.Second
)

// BSLHID is the bootstrap-loader HID transport.
type BSLHID struct {
	mw   *memorywriter.MemoryWriter
	ref  transport.DeviceRef
	clk  transport.Clock
	dial func(transport.DeviceRef) (port, error)
	p    port // nil while suspended
}

// OpenBSLHID resolves ref (defaulting to the bootstrap loader's
// vendor/product identity) and claims its HID interface. The inbound
// direction is drained once so lingering frames from a previous
// session don't corrupt the first exchange.
func OpenBSLHID(c *Context, ref transport.DeviceRef) (*BSLHID, error) {
	if ref.Location == "" && ref.Vendor == 0 && ref.Product == 0 {
		ref.Vendor, ref.Product = bslhidVendorID, bslhidProductID
	}
	t := &BSLHID{
		mw:  c.mw,
		ref: ref,
		clk: transport.SystemClock,
		dial: func(r transport.DeviceRef) (port, error) {
			return dialBSLHID(c, r)
		},
	}
	p, err := t.dial(ref)
	if err != nil {
		return nil, err
	}
	t.p = p
	t.Flush()
	return t, nil
}

func dialBSLHID(c *Context, ref transport.DeviceRef) (port, error) {
	dev, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	info, err := findClassInterface(dev.Desc(), gousb.ClassHID)
	if err != nil {
		dev.Close()
		return nil, err
	}
	c.mw.Log(fmt.Sprintf("found endpoints IN 0x%02x OUT 0x%02x", info.inEp, info.outEp))
	if err := dev.SetAutoDetach(true); err != nil {
		// not fatal on every platform
		c.mw.Log("warning: auto-detach: " + err.Error())
	}
	p, err := claimPort(dev, c.mw, info.cfg, info.num, info.inEp, info.outEp, -1)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return p, nil
}

// Send frames data into one 64-byte report and writes it. Payloads
// over the 62-byte MTU are rejected before any device I/O.
func (t *BSLHID) Send(data []byte) error {
	if t.p == nil {
		return fmt.Errorf("%w: send", transport.ErrSuspended)
	}
	if len(data) > bslhidMTU {
		return fmt.Errorf("%w: send in excess of MTU: %d", transport.ErrProtocol, len(data))
	}
	buf := make([]byte, bslhidXferSize)
	for i := range buf {
		buf[i] = bslhidPadByte
	}
	buf[0] = bslhidHeader
	buf[1] = byte(len(data))
	copy(buf[2:], data)
	return transport.WriteAll(t.clk, bslhidTimeout, buf, func(b []byte) (int, error) {
		return t.p.bulkOut(b, bslhidTimeout)
	})
}

// Recv reads one report and unwraps its payload.
func (t *BSLHID) Recv(buf []byte) (int, error) {
	if t.p == nil {
		return 0, fmt.Errorf("%w: recv", transport.ErrSuspended)
	}
	var in [bslhidXferSize]byte
	n, err := t.p.bulkIn(in[:], bslhidTimeout)
	if err != nil && !transport.IsTimeout(err) {
		return 0, err
	}
	if n < 2 {
		return 0, fmt.Errorf("%w: short transfer (%d bytes)", transport.ErrProtocol, n)
	}
	if in[0] != bslhidHeader {
		return 0, fmt.Errorf("%w: missing transfer header", transport.ErrProtocol)
	}
	plen := int(in[1])
	if plen > len(buf) || plen+2 > n {
		return 0, fmt.Errorf("%w: bad length: %d (%d byte transfer)", transport.ErrProtocol, plen, n)
	}
	copy(buf, in[2:2+plen])
	return plen, nil
}

// Flush drains lingering inbound reports.
func (t *BSLHID) Flush() error {
	if t.p == nil {
		return nil
	}
	var in [bslhidXferSize]byte
	for {
		n, err := t.p.bulkIn(in[:], flushTimeout)
		if err != nil || n == 0 {
			return nil
		}
	}
}

func (t *BSLHID) SetModem(state transport.ModemState) error {
	return fmt.Errorf("%w: set modem", transport.ErrUnsupported)
}

// Suspend releases the interface claim and closes the device handle;
// the DeviceRef is kept for Resume.
func (t *BSLHID) Suspend() error {
	if t.p != nil {
		t.mw.Log("releasing claim")
		t.p.close()
		t.p = nil
	}
	return nil
}

// Resume re-resolves the retained DeviceRef, re-claims the interface
// and re-runs the one-time inbound drain.
func (t *BSLHID) Resume() error {
	if t.p != nil {
		return nil
	}
	p, err := t.dial(t.ref)
	if err != nil {
		return fmt.Errorf("failed to resume BSL HID device: %w", err)
	}
	t.p = p
	t.Flush()
	return nil
}

func (t *BSLHID) Close() error {
	if t.p != nil {
		t.p.close()
		t.p = nil
	}
	return nil
}
