package usb

import (
	"fmt"
	"time"

	"github.com/fetlink/fetlink-go/memorywriter"
	"github.com/fetlink/fetlink-go/transport"
)

const (
	ftdiTimeout        = 30 * time.Second
	ftdiControlTimeout = 100 * time.Millisecond

	ftdiConfig      = 1
	ftdiInterface   = 0
	ftdiInEndpoint  = 0x81
	ftdiOutEndpoint = 0x02

	ftdiReqTypeVendorDev = 0x40
	ftdiReset            = 0x00
	ftdiSetModemCtrl     = 0x01
	ftdiSetFlowCtrl      = 0x02
	ftdiSetBaudRate      = 0x03
	ftdiSetData          = 0x04
	ftdiSetLatencyTimer  = 0x09

	ftdiPurgeTX = 2
	ftdiPurgeRX = 1

	ftdiClock = 3000000

	ftdiModemDTR      = 0x0001
	ftdiModemRTS      = 0x0002
	ftdiModemWriteAll = 0x0300

	// every inbound transfer starts with two status bytes
	ftdiStatusSize = 2
	ftdiReadSize   = 64
	ftdiMaxRead    = ftdiReadSize - ftdiStatusSize
)

// FTDI is the transport for FTDI serial bridges. Interface and
// endpoint addresses are fixed; the chip is brought up through a
// fixed sequence of vendor device requests.
type FTDI struct {
	mw   *memorywriter.MemoryWriter
	ref  transport.DeviceRef
	clk  transport.Clock
	dial func(transport.DeviceRef) (port, error)
	p    port // nil while suspended
	baud int
}

// OpenFTDI resolves ref, claims interface 0 of configuration 1 and
// runs the chip's bring-up sequence.
func OpenFTDI(c *Context, ref transport.DeviceRef, baudRate int) (*FTDI, error) {
	t := &FTDI{
		mw:   c.mw,
		ref:  ref,
		clk:  transport.SystemClock,
		baud: baudRate,
		dial: func(r transport.DeviceRef) (port, error) {
			return dialFTDI(c, r)
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

func dialFTDI(c *Context, ref transport.DeviceRef) (port, error) {
	dev, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := dev.SetAutoDetach(true); err != nil {
		c.mw.Log("warning: auto-detach: " + err.Error())
	}
	p, err := claimPort(dev, c.mw, ftdiConfig, ftdiInterface,
		ftdiInEndpoint, ftdiOutEndpoint, -1)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return p, nil
}

// configure brings the chip up. The request order matters: reset
// first, line parameters next, purges last.
func (t *FTDI) configure() error {
	t.mw.Log(fmt.Sprintf("configuring chip, %d baud", t.baud))
	steps := []struct {
		req   uint8
		value uint16
	}{
		{ftdiReset, 0},
		{ftdiSetData, 8}, // 8N1
		{ftdiSetFlowCtrl, 0},
		{ftdiSetModemCtrl, ftdiModemWriteAll | ftdiModemDTR | ftdiModemRTS}, // lines down, active-low
		{ftdiSetBaudRate, uint16(ftdiClock / t.baud)},
		{ftdiSetLatencyTimer, 50},
		{ftdiReset, ftdiPurgeTX},
		{ftdiReset, ftdiPurgeRX},
	}
	for _, s := range steps {
		if _, err := t.p.control(ftdiReqTypeVendorDev, s.req,
			s.value, 0, nil, ftdiControlTimeout); err != nil {
			return fmt.Errorf("%w: request 0x%02x: %v", transport.ErrConfig, s.req, err)
		}
	}
	return nil
}

func (t *FTDI) Send(data []byte) error {
	if t.p == nil {
		return fmt.Errorf("%w: send", transport.ErrSuspended)
	}
	return transport.WriteAll(t.clk, ftdiTimeout, data, func(b []byte) (int, error) {
		return t.p.bulkOut(b, ftdiTimeout)
	})
}

// Recv reads until a transfer carries payload beyond the two status
// bytes, then strips the status header. At most 62 data bytes come
// back per call.
func (t *FTDI) Recv(buf []byte) (int, error) {
	if t.p == nil {
		return 0, fmt.Errorf("%w: recv", transport.ErrSuspended)
	}
	want := len(buf)
	if want > ftdiMaxRead {
		want = ftdiMaxRead
	}
	var in [ftdiReadSize]byte
	n, err := transport.ReadUntil(t.clk, ftdiTimeout, func() (int, error) {
		return t.p.bulkIn(in[:want+ftdiStatusSize], ftdiTimeout)
	}, func(n int) bool { return n > ftdiStatusSize })
	if err != nil {
		return 0, err
	}
	copy(buf, in[ftdiStatusSize:n])
	return n - ftdiStatusSize, nil
}

// Flush purges the chip's receive FIFO and drains whatever was
// already in flight.
func (t *FTDI) Flush() error {
	if t.p == nil {
		return nil
	}
	if _, err := t.p.control(ftdiReqTypeVendorDev, ftdiReset,
		ftdiPurgeRX, 0, nil, ftdiControlTimeout); err != nil {
		t.mw.Log("warning: purge: " + err.Error())
	}
	var in [ftdiReadSize]byte
	for {
		n, err := t.p.bulkIn(in[:], flushTimeout)
		if err != nil || n == 0 {
			return nil
		}
	}
}

// SetModem drives DTR and RTS. The register bits are active-low, so
// an asserted line is written as zero under its write enable.
func (t *FTDI) SetModem(state transport.ModemState) error {
	if t.p == nil {
		return fmt.Errorf("%w: set modem", transport.ErrSuspended)
	}
	value := uint16(ftdiModemWriteAll)
	if state&transport.ModemDTR == 0 {
		value |= ftdiModemDTR
	}
	if state&transport.ModemRTS == 0 {
		value |= ftdiModemRTS
	}
	if _, err := t.p.control(ftdiReqTypeVendorDev, ftdiSetModemCtrl,
		value, 0, nil, ftdiControlTimeout); err != nil {
		return fmt.Errorf("%w: modem control: %v", transport.ErrConfig, err)
	}
	return nil
}

func (t *FTDI) Suspend() error {
	if t.p != nil {
		t.mw.Log("releasing claim")
		t.p.close()
		t.p = nil
	}
	return nil
}

func (t *FTDI) Resume() error {
	if t.p != nil {
		return nil
	}
	p, err := t.dial(t.ref)
	if err != nil {
		return fmt.Errorf("failed to resume FTDI device: %w", err)
	}
	t.p = p
	if err := t.configure(); err != nil {
		t.p.close()
		t.p = nil
		return err
	}
	return nil
}

func (t *FTDI) Close() error {
	if t.p != nil {
		t.p.close()
		t.p = nil
	}
	return nil
}
