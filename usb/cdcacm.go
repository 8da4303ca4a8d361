package usb

import (
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/fetlink/fetlink-go/memorywriter"
	"github.com/fetlink/fetlink-go/transport"
)

const (
	cdcacmTimeout  = 30 * time.Second
	cdcacmReadSize = 1024

	cdcReqTypeClassIface = 0x21
	cdcSetLineCoding     = 0x20
	cdcSetControlLines   = 0x22

	cdcLineDTR = 0x01
	cdcLineRTS = 0x02
)

// CDCACM is the communications-device-class serial transport. Reads
// come off the wire in device-sized chunks, so a read-ahead buffer
// hands the caller exactly what it asked for and keeps the rest.
type CDCACM struct {
	mw    *memorywriter.MemoryWriter
	ref   transport.DeviceRef
	clk   transport.Clock
	dial  func(transport.DeviceRef) (port, error)
	p     port // nil while suspended
	iface int
	baud  int

	rbuf [cdcacmReadSize]byte
	rlen int
	rptr int
}

// OpenCDCACM resolves ref, claims the device's CDC data interface and
// programs the line coding for the requested baud rate.
func OpenCDCACM(c *Context, ref transport.DeviceRef, baudRate int) (*CDCACM, error) {
	t := &CDCACM{
		mw:   c.mw,
		ref:  ref,
		clk:  transport.SystemClock,
		baud: baudRate,
	}
	t.dial = func(r transport.DeviceRef) (port, error) {
		return dialCDCACM(c, r, t)
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

func dialCDCACM(c *Context, ref transport.DeviceRef, t *CDCACM) (port, error) {
	dev, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	info, err := findClassInterface(dev.Desc(), gousb.ClassData)
	if err != nil {
		dev.Close()
		return nil, err
	}
	c.mw.Log(fmt.Sprintf("found data interface %d, endpoints IN 0x%02x OUT 0x%02x",
		info.num, info.inEp, info.outEp))
	if err := dev.SetAutoDetach(true); err != nil {
		c.mw.Log("warning: auto-detach: " + err.Error())
	}
	p, err := claimPort(dev, c.mw, info.cfg, info.num, info.inEp, info.outEp, -1)
	if err != nil {
		dev.Close()
		return nil, err
	}
	t.iface = info.num
	return p, nil
}

// configure programs the line coding (baud rate, 8 data bits, no
// parity, 1 stop bit) and clears the control line state.
func (t *CDCACM) configure() error {
	t.mw.Log(fmt.Sprintf("setting line coding, %d baud", t.baud))
	coding := []byte{
		byte(t.baud), byte(t.baud >> 8), byte(t.baud >> 16), byte(t.baud >> 24),
		0, // 1 stop bit
		0, // no parity
		8, // data bits
	}
	if _, err := t.p.control(cdcReqTypeClassIface, cdcSetLineCoding,
		0, uint16(t.iface), coding, cdcacmTimeout); err != nil {
		return fmt.Errorf("%w: line coding: %v", transport.ErrConfig, err)
	}
	return t.setModem(0)
}

func (t *CDCACM) setModem(state transport.ModemState) error {
	var value uint16
	if state&transport.ModemDTR != 0 {
		value |= cdcLineDTR
	}
	if state&transport.ModemRTS != 0 {
		value |= cdcLineRTS
	}
	if _, err := t.p.control(cdcReqTypeClassIface, cdcSetControlLines,
		value, uint16(t.iface), nil, cdcacmTimeout); err != nil {
		return fmt.Errorf("%w: control lines: %v", transport.ErrConfig, err)
	}
	return nil
}

func (t *CDCACM) Send(data []byte) error {
	if t.p == nil {
		return fmt.Errorf("%w: send", transport.ErrSuspended)
	}
	return transport.WriteAll(t.clk, cdcacmTimeout, data, func(b []byte) (int, error) {
		return t.p.bulkOut(b, cdcacmTimeout)
	})
}

// Recv serves buffered bytes first and only touches the wire when the
// read-ahead buffer is empty. No byte from an oversized device chunk
// is ever dropped.
func (t *CDCACM) Recv(buf []byte) (int, error) {
	if t.p == nil {
		return 0, fmt.Errorf("%w: recv", transport.ErrSuspended)
	}
	if t.rptr >= t.rlen {
		n, err := t.p.bulkIn(t.rbuf[:], cdcacmTimeout)
		// a timed-out refill keeps whatever arrived, possibly nothing
		if err != nil && !transport.IsTimeout(err) {
			return 0, err
		}
		t.rlen = n
		t.rptr = 0
	}
	n := copy(buf, t.rbuf[t.rptr:t.rlen])
	t.rptr += n
	return n, nil
}

// Flush discards the read-ahead buffer and drains the inbound
// endpoint.
func (t *CDCACM) Flush() error {
	t.rlen = 0
	t.rptr = 0
	if t.p == nil {
		return nil
	}
	var in [cdcacmReadSize]byte
	for {
		n, err := t.p.bulkIn(in[:], flushTimeout)
		if err != nil || n == 0 {
			return nil
		}
	}
}

func (t *CDCACM) SetModem(state transport.ModemState) error {
	if t.p == nil {
		return fmt.Errorf("%w: set modem", transport.ErrSuspended)
	}
	return t.setModem(state)
}

func (t *CDCACM) Suspend() error {
	if t.p != nil {
		t.mw.Log("releasing claim")
		t.p.close()
		t.p = nil
	}
	t.rlen = 0
	t.rptr = 0
	return nil
}

func (t *CDCACM) Resume() error {
	if t.p != nil {
		return nil
	}
	p, err := t.dial(t.ref)
	if err != nil {
		return fmt.Errorf("failed to resume CDC device: %w", err)
	}
	t.p = p
	if err := t.configure(); err != nil {
		t.p.close()
		t.p = nil
		return err
	}
	return nil
}

func (t *CDCACM) Close() error {
	if t.p != nil {
		t.p.close()
		t.p = nil
	}
	return nil
}
