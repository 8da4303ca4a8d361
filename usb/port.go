package usb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/gousb"

	"github.com/fetlink/fetlink-go/memorywriter"
	"github.com/fetlink/fetlink-go/transport"
)

// timeout used by the best-effort inbound drain every backend runs
const flushTimeout = 100 * time.Millisecond

// port is one claimed interface with its endpoints: everything a
// backend needs after open-time discovery is done. Endpoint arguments
// use the descriptor address convention (IN 0x81, OUT 0x01).
type port interface {
	bulkIn(buf []byte, timeout time.Duration) (int, error)
	bulkOut(data []byte, timeout time.Duration) (int, error)
	interruptIn(buf []byte, timeout time.Duration) (int, error)
	control(rType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	clearHalt(ep uint8) error
	reset() error
	close() error
}

type usbPort struct {
	dev  hostDevice
	cfg  hostConfig
	intf hostIntf
	in   hostInEndpoint
	out  hostOutEndpoint
	intr hostInEndpoint
	mw   *memorywriter.MemoryWriter
}

// claimPort selects configuration cfgNum, claims interface intfNum
// (alternate setting 0) and resolves the given endpoint addresses.
// Pass -1 for endpoints the backend doesn't use.
func claimPort(dev hostDevice, mw *memorywriter.MemoryWriter, cfgNum, intfNum, inEp, outEp, intrEp int) (*usbPort, error) {
	mw.Log(fmt.Sprintf("claiming interface %d (config %d)", intfNum, cfgNum))
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("%w: config %d: %v", transport.ErrClaim, cfgNum, err)
	}
	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("%w: interface %d: %v", transport.ErrClaim, intfNum, err)
	}
	p := &usbPort{dev: dev, cfg: cfg, intf: intf, mw: mw}
	if inEp >= 0 {
		p.in, err = intf.InEndpoint(inEp & 0x0f)
		if err != nil {
			p.release()
			return nil, fmt.Errorf("%w: endpoint 0x%02x: %v", transport.ErrClaim, inEp, err)
		}
	}
	if outEp >= 0 {
		p.out, err = intf.OutEndpoint(outEp & 0x0f)
		if err != nil {
			p.release()
			return nil, fmt.Errorf("%w: endpoint 0x%02x: %v", transport.ErrClaim, outEp, err)
		}
	}
	if intrEp >= 0 {
		p.intr, err = intf.InEndpoint(intrEp & 0x0f)
		if err != nil {
			p.release()
			return nil, fmt.Errorf("%w: endpoint 0x%02x: %v", transport.ErrClaim, intrEp, err)
		}
	}
	return p, nil
}

func (p *usbPort) bulkIn(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := p.in.ReadContext(ctx, buf)
	return n, wrapXferErr(err)
}

func (p *usbPort) bulkOut(data []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := p.out.WriteContext(ctx, data)
	return n, wrapXferErr(err)
}

func (p *usbPort) interruptIn(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := p.intr.ReadContext(ctx, buf)
	return n, wrapXferErr(err)
}

func (p *usbPort) control(rType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	n, err := p.dev.Control(rType, request, value, index, data, timeout)
	return n, wrapXferErr(err)
}

// standard CLEAR_FEATURE(ENDPOINT_HALT) on the endpoint recipient,
// the wire form of a clear-halt
const (
	reqTypeEndpointOut  = 0x02
	reqClearFeature     = 0x01
	featureEndpointHalt = 0x00
)

func (p *usbPort) clearHalt(ep uint8) error {
	_, err := p.dev.Control(reqTypeEndpointOut, reqClearFeature,
		featureEndpointHalt, uint16(ep), nil, time.Second)
	return err
}

func (p *usbPort) reset() error { return p.dev.Reset() }

// release drops the claim without closing the device handle.
func (p *usbPort) release() {
	p.intf.Close()
	if err := p.cfg.Close(); err != nil {
		p.mw.Log("warning: config release: " + err.Error())
	}
}

func (p *usbPort) close() error {
	p.release()
	if err := p.dev.Close(); err != nil {
		p.mw.Log("warning: device close: " + err.Error())
	}
	return nil
}

// wrapXferErr folds the platform stack's timeout shapes into the
// shared taxonomy so the retry loops can classify completions.
func wrapXferErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferCancelled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}
	return err
}

// ifaceInfo is the result of open-time interface discovery.
type ifaceInfo struct {
	cfg   int // configuration value
	num   int // interface number
	inEp  int // bulk-IN endpoint address
	outEp int // bulk-OUT endpoint address
}

// findClassInterface scans the device's first configuration for an
// interface of the given class exposing one bulk-IN and one bulk-OUT
// endpoint.
func findClassInterface(desc *gousb.DeviceDesc, class gousb.Class) (ifaceInfo, error) {
	cfg, ok := firstConfig(desc)
	if !ok {
		return ifaceInfo{}, fmt.Errorf("%w: device has no configurations", transport.ErrConfig)
	}
	for _, intf := range cfg.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		alt := intf.AltSettings[0]
		if alt.Class != class {
			continue
		}
		inEp, outEp := -1, -1
		for _, ep := range alt.Endpoints {
			if ep.TransferType != gousb.TransferTypeBulk {
				continue
			}
			if ep.Direction == gousb.EndpointDirectionIn {
				inEp = int(ep.Address)
			} else {
				outEp = int(ep.Address)
			}
		}
		if inEp >= 0 && outEp >= 0 {
			return ifaceInfo{cfg: cfg.Number, num: intf.Number, inEp: inEp, outEp: outEp}, nil
		}
	}
	return ifaceInfo{}, fmt.Errorf("%w: no class-%d interface with bulk endpoints", transport.ErrConfig, class)
}

// findVendorInterface locates the first vendor-class interface; the
// callers use fixed endpoint addresses on it.
func findVendorInterface(desc *gousb.DeviceDesc) (cfgNum, intfNum int, err error) {
	cfg, ok := firstConfig(desc)
	if !ok {
		return 0, 0, fmt.Errorf("%w: device has no configurations", transport.ErrConfig)
	}
	for _, intf := range cfg.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		if intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			return cfg.Number, intf.Number, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: no vendor-class interface", transport.ErrConfig)
}

func firstConfig(desc *gousb.DeviceDesc) (gousb.ConfigDesc, bool) {
	if len(desc.Configs) == 0 {
		return gousb.ConfigDesc{}, false
	}
	nums := make([]int, 0, len(desc.Configs))
	for n := range desc.Configs {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return desc.Configs[nums[0]], true
}
