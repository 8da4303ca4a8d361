package usb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/marcinbor85/gohex"

	"github.com/fetlink/fetlink-go/transport"
)

// TUSB3410 boot-mode firmware download. The boot ROM accepts a single
// image over its bulk OUT endpoint: a three-byte header (little-endian
// total length, payload checksum) followed by the firmware bytes.

const (
	ti3410FirmwareName = "ti_3410.fw.ihex"
	ti3410FirmwareEnv  = "FETLINK_TI3410_FW"

	// the boot ROM buffers the whole image, header included
	ti3410FirmwareMax = 16284

	ti3410FirmwareHeaderSize = 3

	ti3410DownloadDelay = 100 * time.Millisecond
	ti3410SettleDelay   = 2 * time.Second

	ti3410DownloadChunk = 64
)

// ti3410LibDir is where an installed firmware image is looked for
// when the environment doesn't name one.
var ti3410LibDir = "/usr/local/lib/fetlink"

// findFirmware returns the path of the firmware image: the
// environment override first, then the library directory, then the
// working directory.
func findFirmware() (string, error) {
	if path := os.Getenv(ti3410FirmwareEnv); path != "" {
		return path, nil
	}
	candidates := []string{
		filepath.Join(ti3410LibDir, ti3410FirmwareName),
		ti3410FirmwareName,
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found", transport.ErrFirmware, ti3410FirmwareName)
}

// prepareFirmware decodes an Intel HEX image and frames it for the
// boot ROM. The image must start at address zero and have no gaps.
func prepareFirmware(r io.Reader) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", transport.ErrFirmware, err)
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty image", transport.ErrFirmware)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })
	if segs[0].Address != 0 {
		return nil, fmt.Errorf("%w: image starts at 0x%04x, not zero",
			transport.ErrFirmware, segs[0].Address)
	}
	var payload []byte
	next := uint32(0)
	for _, s := range segs {
		if s.Address != next {
			return nil, fmt.Errorf("%w: gap at 0x%04x", transport.ErrFirmware, next)
		}
		payload = append(payload, s.Data...)
		next += uint32(len(s.Data))
	}
	total := len(payload) + ti3410FirmwareHeaderSize
	if total > ti3410FirmwareMax {
		return nil, fmt.Errorf("%w: image too big: %d bytes", transport.ErrFirmware, total)
	}
	var sum byte
	for _, b := range payload {
		sum += b
	}
	// the length field counts the payload only, not the header
	image := make([]byte, 0, total)
	image = append(image, byte(len(payload)), byte(len(payload)>>8), sum)
	return append(image, payload...), nil
}

func loadFirmware() ([]byte, error) {
	path, err := findFirmware()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrFirmware, err)
	}
	defer f.Close()
	return prepareFirmware(f)
}

// downloadFirmware pushes the framed image to the boot ROM in small
// chunks.
func downloadFirmware(p port, image []byte) error {
	for len(image) > 0 {
		chunk := image
		if len(chunk) > ti3410DownloadChunk {
			chunk = chunk[:ti3410DownloadChunk]
		}
		n, err := p.bulkOut(chunk, ti3410SendTimeout)
		if err != nil {
			return fmt.Errorf("%w: download: %v", transport.ErrFirmware, err)
		}
		image = image[n:]
	}
	return nil
}

// bootstrapFirmware loads, frames and downloads the firmware, then
// resets the device so it re-enumerates in UART mode. It owns dev and
// closes it on every path; the caller re-resolves afterwards.
func bootstrapFirmware(c *Context, dev hostDevice, sleep func(time.Duration)) error {
	image, err := loadFirmware()
	if err != nil {
		dev.Close()
		return err
	}
	c.mw.Log(fmt.Sprintf("downloading %d byte image", len(image)))
	p, err := claimPort(dev, c.mw, 1, ti3410Interface, -1, ti3410OutEndpoint, -1)
	if err != nil {
		dev.Close()
		return err
	}
	if err := downloadFirmware(p, image); err != nil {
		p.close()
		return err
	}
	sleep(ti3410DownloadDelay)
	if err := p.reset(); err != nil {
		c.mw.Log("warning: reset after download: " + err.Error())
	}
	p.close()
	sleep(ti3410SettleDelay)
	return nil
}
