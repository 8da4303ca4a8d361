package usb

import (
	"context"
	"time"

	"github.com/google/gousb"
)

// Thin seams over gousb. The locator, ports and backends talk to these
// interfaces instead of gousb's concrete types so that all of them can
// be exercised against fakes in tests, the same way gousb tests itself
// against a fake libusb.

type hostBus interface {
	// OpenDevices opens every device whose descriptor matches. It
	// may return both opened devices and an error when some other
	// device failed to open.
	OpenDevices(match func(desc *gousb.DeviceDesc) bool) ([]hostDevice, error)
	Close() error
}

type hostDevice interface {
	Desc() *gousb.DeviceDesc
	SerialNumber() (string, error)
	SetAutoDetach(on bool) error
	ActiveConfigNum() (int, error)
	Config(num int) (hostConfig, error)
	Control(rType, request uint8, val, idx uint16, data []byte, timeout time.Duration) (int, error)
	Reset() error
	Close() error
}

type hostConfig interface {
	Interface(num, alt int) (hostIntf, error)
	Close() error
}

type hostIntf interface {
	InEndpoint(num int) (hostInEndpoint, error)
	OutEndpoint(num int) (hostOutEndpoint, error)
	Close()
}

type hostInEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type hostOutEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// gousb-backed implementations.

type gousbBus struct {
	ctx *gousb.Context
}

func (b *gousbBus) OpenDevices(match func(desc *gousb.DeviceDesc) bool) ([]hostDevice, error) {
	devs, err := b.ctx.OpenDevices(match)
	out := make([]hostDevice, 0, len(devs))
	for _, d := range devs {
		out = append(out, &gousbDevice{dev: d})
	}
	return out, err
}

func (b *gousbBus) Close() error {
	return b.ctx.Close()
}

type gousbDevice struct {
	dev *gousb.Device
}

func (d *gousbDevice) Desc() *gousb.DeviceDesc { return d.dev.Desc }

func (d *gousbDevice) SerialNumber() (string, error) { return d.dev.SerialNumber() }

func (d *gousbDevice) SetAutoDetach(on bool) error { return d.dev.SetAutoDetach(on) }

func (d *gousbDevice) ActiveConfigNum() (int, error) { return d.dev.ActiveConfigNum() }

func (d *gousbDevice) Config(num int) (hostConfig, error) {
	cfg, err := d.dev.Config(num)
	if err != nil {
		return nil, err
	}
	return &gousbConfig{cfg: cfg}, nil
}

func (d *gousbDevice) Control(rType, request uint8, val, idx uint16, data []byte, timeout time.Duration) (int, error) {
	d.dev.ControlTimeout = timeout
	return d.dev.Control(rType, request, val, idx, data)
}

func (d *gousbDevice) Reset() error { return d.dev.Reset() }

func (d *gousbDevice) Close() error { return d.dev.Close() }

type gousbConfig struct {
	cfg *gousb.Config
}

func (c *gousbConfig) Interface(num, alt int) (hostIntf, error) {
	intf, err := c.cfg.Interface(num, alt)
	if err != nil {
		return nil, err
	}
	return &gousbIntf{intf: intf}, nil
}

func (c *gousbConfig) Close() error { return c.cfg.Close() }

type gousbIntf struct {
	intf *gousb.Interface
}

func (i *gousbIntf) InEndpoint(num int) (hostInEndpoint, error) {
	ep, err := i.intf.InEndpoint(num)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (i *gousbIntf) OutEndpoint(num int) (hostOutEndpoint, error) {
	ep, err := i.intf.OutEndpoint(num)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (i *gousbIntf) Close() { i.intf.Close() }
