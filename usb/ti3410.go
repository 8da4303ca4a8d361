package usb

import (
	"fmt"
	"time"

	"github.com/fetlink/fetlink-go/memorywriter"
	"github.com/fetlink/fetlink-go/transport"
)

const (
	ti3410VendorID  = 0x0451
	ti3410ProductID = 0xf430

	ti3410BootConfig   = 1
	ti3410ActiveConfig = 2

	ti3410Interface    = 0
	ti3410InEndpoint   = 0x81
	ti3410OutEndpoint  = 0x01
	ti3410IntrEndpoint = 0x83

	ti3410SendTimeout    = 1 * time.Second
	ti3410RecvTimeout    = 5 * time.Second
	ti3410ControlTimeout = 1 * time.Second
	ti3410IntrTimeout    = 100 * time.Millisecond

	ti3410ReqTypeVendorDev = 0x40

	tiSetConfig = 0x05
	tiOpenPort  = 0x06
	tiClosePort = 0x07
	tiStartPort = 0x08
	tiPurgePort = 0x0B
	tiWriteData = 0x80

	tiUART1Port = 0x03
	tiRAMPort   = 0x05

	tiPurgeInput  = 0x80
	tiPurgeOutput = 0x00

	tiPipeModeContinuous = 0x01
	tiPipeTimeoutEnable  = 0x80
	tiTransferTimeout    = 2
)

// TI3410 is the transport for the TI TUSB3410 serial bridge. A device
// enumerating with a single configuration is still in its boot ROM
// and needs a firmware download before the UART exists.
type TI3410 struct {
	mw    *memorywriter.MemoryWriter
	ref   transport.DeviceRef
	clk   transport.Clock
	dial  func(transport.DeviceRef) (port, error)
	sleep func(time.Duration)
	p     port // nil while suspended
}

// OpenTI3410 resolves ref (defaulting to the TUSB3410 vendor/product
// identity), bootstraps firmware if the device is still in boot mode,
// claims the UART interface and brings the port up.
func OpenTI3410(c *Context, ref transport.DeviceRef) (*TI3410, error) {
	if ref.Location == "" && ref.Vendor == 0 && ref.Product == 0 {
		ref.Vendor, ref.Product = ti3410VendorID, ti3410ProductID
	}
	t := &TI3410{
		mw:    c.mw,
		ref:   ref,
		clk:   transport.SystemClock,
		sleep: time.Sleep,
	}
	t.dial = func(r transport.DeviceRef) (port, error) {
		return dialTI3410(c, r, t.sleep)
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

func dialTI3410(c *Context, ref transport.DeviceRef, sleep func(time.Duration)) (port, error) {
	dev, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := dev.SetAutoDetach(true); err != nil {
		c.mw.Log("warning: auto-detach: " + err.Error())
	}
	if len(dev.Desc().Configs) < 2 {
		c.mw.Log("device in boot mode, downloading firmware")
		// bootstrapFirmware owns dev from here
		if err := bootstrapFirmware(c, dev, sleep); err != nil {
			return nil, err
		}
		// the device re-enumerated; pick it up again
		dev, err = c.resolve(ref)
		if err != nil {
			return nil, err
		}
		if err := dev.SetAutoDetach(true); err != nil {
			c.mw.Log("warning: auto-detach: " + err.Error())
		}
		if len(dev.Desc().Configs) < 2 {
			dev.Close()
			return nil, fmt.Errorf("%w: device still in boot mode after download",
				transport.ErrFirmware)
		}
	}
	p, err := claimPort(dev, c.mw, activeConfig(dev), ti3410Interface,
		ti3410InEndpoint, ti3410OutEndpoint, ti3410IntrEndpoint)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return p, nil
}

// activeConfig picks the configuration holding the UART interface.
// Right after firmware re-enumeration the device still sits on the
// boot configuration; claiming that one would leave us without bulk
// endpoints.
func activeConfig(dev hostDevice) int {
	if n, err := dev.ActiveConfigNum(); err == nil && n > ti3410BootConfig {
		return n
	}
	return ti3410ActiveConfig
}

func (t *TI3410) vendorOut(request uint8, value, index uint16, data []byte) error {
	_, err := t.p.control(ti3410ReqTypeVendorDev, request, value, index, data,
		ti3410ControlTimeout)
	return err
}

// intrFlush drains one pending interrupt report, if any.
func (t *TI3410) intrFlush() {
	var in [64]byte
	t.p.interruptIn(in[:], ti3410IntrTimeout)
}

func (t *TI3410) openStart() error {
	value := uint16(tiPipeModeContinuous | tiPipeTimeoutEnable | tiTransferTimeout<<2)
	if err := t.vendorOut(tiOpenPort, value, tiUART1Port, nil); err != nil {
		return fmt.Errorf("%w: open port: %v", transport.ErrConfig, err)
	}
	if err := t.vendorOut(tiStartPort, 0, tiUART1Port, nil); err != nil {
		return fmt.Errorf("%w: start port: %v", transport.ErrConfig, err)
	}
	return nil
}

func (t *TI3410) setTermios() error {
	cfg := []byte{
		0x00, 0x02, // baud divisor, 460800
		0x60, 0x00, // flags
		0x03,       // 8 data bits
		0x00,       // no parity
		0x00,       // 1 stop bit
		0x00, 0x00, // no XON/XOFF
		0x00, // UART mode
	}
	if err := t.vendorOut(tiSetConfig, 0, tiUART1Port, cfg); err != nil {
		return fmt.Errorf("%w: set config: %v", transport.ErrConfig, err)
	}
	return nil
}

// setMCR pokes the modem control register in device RAM, asserting
// DTR and RTS.
func (t *TI3410) setMCR() error {
	data := []byte{
		0x30,       // XDATA address space
		0x01,       // byte-wide write
		0x01,       // one datum
		0x00, 0x00, // base address high
		0xff, 0xa4, // base address low, MCR
		0x34, // mask: loopback, RTS, DTR
		0x30, // RTS | DTR
	}
	if err := t.vendorOut(tiWriteData, 0, tiRAMPort, data); err != nil {
		return fmt.Errorf("%w: write MCR: %v", transport.ErrConfig, err)
	}
	return nil
}

// doOpenStart is the repeated bring-up unit: line parameters, the MCR
// poke, then open and start.
func (t *TI3410) doOpenStart() error {
	if err := t.setTermios(); err != nil {
		return err
	}
	if err := t.setMCR(); err != nil {
		return err
	}
	return t.openStart()
}

// configure runs the full port bring-up. The firmware needs the whole
// open/start unit issued twice, with purges and halt clears between.
func (t *TI3410) configure() error {
	t.mw.Log("setting up port")
	t.intrFlush()
	if err := t.doOpenStart(); err != nil {
		return err
	}
	if err := t.vendorOut(tiPurgePort, tiPurgeInput, tiUART1Port, nil); err != nil {
		return fmt.Errorf("%w: purge input: %v", transport.ErrConfig, err)
	}
	t.intrFlush()
	t.intrFlush()
	if err := t.vendorOut(tiPurgePort, tiPurgeOutput, tiUART1Port, nil); err != nil {
		return fmt.Errorf("%w: purge output: %v", transport.ErrConfig, err)
	}
	t.intrFlush()
	if err := t.p.clearHalt(ti3410InEndpoint); err != nil {
		return fmt.Errorf("%w: clear halt: %v", transport.ErrConfig, err)
	}
	if err := t.p.clearHalt(ti3410OutEndpoint); err != nil {
		return fmt.Errorf("%w: clear halt: %v", transport.ErrConfig, err)
	}
	return t.doOpenStart()
}

// closePort tells the firmware to shut the UART down. Failures are
// only logged; the device may already be gone.
func (t *TI3410) closePort() {
	if err := t.vendorOut(tiClosePort, 0, tiUART1Port, nil); err != nil {
		t.mw.Log("warning: close port: " + err.Error())
	}
}

func (t *TI3410) Send(data []byte) error {
	if t.p == nil {
		return fmt.Errorf("%w: send", transport.ErrSuspended)
	}
	return transport.WriteAll(t.clk, ti3410SendTimeout, data, func(b []byte) (int, error) {
		return t.p.bulkOut(b, ti3410SendTimeout)
	})
}

func (t *TI3410) Recv(buf []byte) (int, error) {
	if t.p == nil {
		return 0, fmt.Errorf("%w: recv", transport.ErrSuspended)
	}
	return transport.ReadUntil(t.clk, ti3410RecvTimeout, func() (int, error) {
		return t.p.bulkIn(buf, ti3410RecvTimeout)
	}, func(n int) bool { return n > 0 })
}

func (t *TI3410) Flush() error {
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

func (t *TI3410) SetModem(state transport.ModemState) error {
	return fmt.Errorf("%w: set modem", transport.ErrUnsupported)
}

func (t *TI3410) Suspend() error {
	if t.p != nil {
		t.mw.Log("closing port and releasing claim")
		t.closePort()
		t.p.close()
		t.p = nil
	}
	return nil
}

func (t *TI3410) Resume() error {
	if t.p != nil {
		return nil
	}
	p, err := t.dial(t.ref)
	if err != nil {
		return fmt.Errorf("failed to resume TI3410 device: %w", err)
	}
	t.p = p
	if err := t.configure(); err != nil {
		t.p.close()
		t.p = nil
		return err
	}
	return nil
}

func (t *TI3410) Close() error {
	if t.p != nil {
		t.closePort()
		t.p.close()
		t.p = nil
	}
	return nil
}
