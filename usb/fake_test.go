package usb

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/fetlink/fetlink-go/memorywriter"
	"github.com/fetlink/fetlink-go/transport"
)

func testWriter() *memorywriter.MemoryWriter {
	mw, err := memorywriter.New(2000, 200, false, nil)
	if err != nil {
		panic(err)
	}
	return mw
}

func errTimeout() error {
	return fmt.Errorf("%w: fake transfer", transport.ErrTimeout)
}

// fakeClock advances by step on every reading, so deadline loops
// terminate without real sleeps.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// fakePort is a scriptable port. Unset functions behave benignly:
// reads time out, writes complete in full, control requests succeed.
// Every call is appended to ops for order assertions.
type fakePort struct {
	ops []string

	bulkInFn      func(buf []byte, timeout time.Duration) (int, error)
	bulkOutFn     func(buf []byte, timeout time.Duration) (int, error)
	interruptInFn func(buf []byte, timeout time.Duration) (int, error)
	controlFn     func(rType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	clearHaltFn   func(ep uint8) error
	resetFn       func() error

	closed int
}

func (p *fakePort) bulkIn(buf []byte, timeout time.Duration) (int, error) {
	p.ops = append(p.ops, "bulkIn")
	if p.bulkInFn != nil {
		return p.bulkInFn(buf, timeout)
	}
	return 0, errTimeout()
}

func (p *fakePort) bulkOut(buf []byte, timeout time.Duration) (int, error) {
	p.ops = append(p.ops, "bulkOut")
	if p.bulkOutFn != nil {
		return p.bulkOutFn(buf, timeout)
	}
	return len(buf), nil
}

func (p *fakePort) interruptIn(buf []byte, timeout time.Duration) (int, error) {
	p.ops = append(p.ops, "interruptIn")
	if p.interruptInFn != nil {
		return p.interruptInFn(buf, timeout)
	}
	return 0, errTimeout()
}

func (p *fakePort) control(rType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	p.ops = append(p.ops, fmt.Sprintf("control %02x/%02x val %04x idx %04x", rType, request, value, index))
	if p.controlFn != nil {
		return p.controlFn(rType, request, value, index, data, timeout)
	}
	return len(data), nil
}

func (p *fakePort) clearHalt(ep uint8) error {
	p.ops = append(p.ops, fmt.Sprintf("clearHalt %02x", ep))
	if p.clearHaltFn != nil {
		return p.clearHaltFn(ep)
	}
	return nil
}

func (p *fakePort) reset() error {
	p.ops = append(p.ops, "reset")
	if p.resetFn != nil {
		return p.resetFn()
	}
	return nil
}

func (p *fakePort) close() error {
	p.ops = append(p.ops, "close")
	p.closed++
	return nil
}

// fakeDevice implements hostDevice for locator and open-time tests.
type fakeDevice struct {
	desc            *gousb.DeviceDesc
	serial          string
	serialErr       error
	activeConfig    int // 0 means 1
	activeConfigErr error
	closed          int
}

func (d *fakeDevice) Desc() *gousb.DeviceDesc { return d.desc }

func (d *fakeDevice) SerialNumber() (string, error) {
	if d.serialErr != nil {
		return "", d.serialErr
	}
	return d.serial, nil
}

func (d *fakeDevice) SetAutoDetach(bool) error { return nil }

func (d *fakeDevice) ActiveConfigNum() (int, error) {
	if d.activeConfigErr != nil {
		return 0, d.activeConfigErr
	}
	if d.activeConfig != 0 {
		return d.activeConfig, nil
	}
	return 1, nil
}

func (d *fakeDevice) Config(int) (hostConfig, error) {
	return nil, errors.New("fake device has no configs")
}

func (d *fakeDevice) Control(rType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	return 0, errors.New("fake device has no control pipe")
}

func (d *fakeDevice) Reset() error { return nil }

func (d *fakeDevice) Close() error {
	d.closed++
	return nil
}

type fakeBus struct {
	devices []*fakeDevice
	err     error
}

func (b *fakeBus) OpenDevices(match func(*gousb.DeviceDesc) bool) ([]hostDevice, error) {
	if b.err != nil {
		return nil, b.err
	}
	var out []hostDevice
	for _, d := range b.devices {
		if match(d.desc) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *fakeBus) Close() error { return nil }

func devDesc(bus, address int, vendor, product uint16) *gousb.DeviceDesc {
	return &gousb.DeviceDesc{
		Bus:     bus,
		Address: address,
		Vendor:  gousb.ID(vendor),
		Product: gousb.ID(product),
	}
}
