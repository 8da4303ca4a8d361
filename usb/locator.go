package usb

import (
	"fmt"
	"strings"

	"github.com/google/gousb"

	"github.com/fetlink/fetlink-go/transport"
)

// The locator resolves a DeviceRef against the current device list.
// It never retains devices beyond a single resolution call: every
// opened candidate that doesn't win is closed before returning.

func (c *Context) findByLocation(bus, address int) (hostDevice, error) {
	c.mw.Log(fmt.Sprintf("scanning for %03d:%03d", bus, address))
	devs, err := c.bus.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == bus && d.Address == address
	})
	if len(devs) == 0 {
		if err != nil {
			c.mw.Log("enumeration: " + err.Error())
		}
		return nil, fmt.Errorf("%w: %03d:%03d", transport.ErrNotFound, bus, address)
	}
	// Exactly one match is expected, but the device list is only a
	// weakly consistent snapshot; keep the last entry seen.
	for _, d := range devs[:len(devs)-1] {
		d.Close()
	}
	return devs[len(devs)-1], nil
}

func (c *Context) findByIdentity(vendor, product uint16, serial string) (hostDevice, error) {
	c.mw.Log(fmt.Sprintf("scanning for %04x:%04x serial=%q", vendor, product, serial))
	devs, err := c.bus.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return uint16(d.Vendor) == vendor && uint16(d.Product) == product
	})
	if err != nil && len(devs) == 0 {
		c.mw.Log("enumeration: " + err.Error())
	}

	// The last matching candidate in iteration order wins.
	var found hostDevice
	for _, d := range devs {
		if serial != "" {
			sn, snErr := d.SerialNumber()
			if snErr != nil || !strings.EqualFold(sn, serial) {
				d.Close()
				continue
			}
		}
		if found != nil {
			found.Close()
		}
		found = d
	}
	if found == nil {
		return nil, fmt.Errorf("%w: vendor=%04x product=%04x serial=%q",
			transport.ErrNotFound, vendor, product, serial)
	}
	return found, nil
}

// resolve turns a DeviceRef into an opened device handle.
func (c *Context) resolve(ref transport.DeviceRef) (hostDevice, error) {
	if ref.Location != "" {
		bus, address, err := transport.ParseLocation(ref.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrNotFound, err)
		}
		return c.findByLocation(bus, address)
	}
	return c.findByIdentity(ref.Vendor, ref.Product, ref.Serial)
}
