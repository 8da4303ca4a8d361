package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fetlink/fetlink-go/transport"
	"github.com/fetlink/fetlink-go/usb"
)

const version = "0.4.2"

// identity is a VID:PID pair given on the command line, for example
// -i 2047:0200.
type identity struct {
	vendor, product uint16
	set             bool
}

func (i *identity) String() string {
	if !i.set {
		return ""
	}
	return fmt.Sprintf("%04x:%04x", i.vendor, i.product)
}

func (i *identity) Set(value string) error {
	vid, pid, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("want VID:PID, got %q", value)
	}
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return err
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return err
	}
	i.vendor, i.product, i.set = uint16(v), uint16(p), true
	return nil
}

func main() {
	var (
		location string
		id       identity
		serial   string
		backend  string
		baudRate int
		logfile  string
		verbose  bool
	)

	flag.StringVar(&location, "d", "", "Open the device at this bus:address location. Example: fetlink -d 1:4")
	flag.Var(&id, "i", "Open the device with this VID:PID identity. Example: fetlink -i 2047:0200")
	flag.StringVar(&serial, "s", "", "Pick the device with this serial number (case-insensitive, with -i)")
	flag.StringVar(&backend, "b", "bslhid", "Transport backend: bslhid, cdc-acm, cp210x, ftdi or ti3410")
	flag.IntVar(&baudRate, "r", 0, "Baud rate for serial backends (default 460800)")
	flag.StringVar(&logfile, "l", "", "Log into a file, rotating after 20MB")
	flag.BoolVar(&verbose, "v", false, "Write the transport trace to stderr")
	flag.Parse()

	_, stderrLogger, longMemoryWriter := initLoggers(logfile, verbose)

	kind, err := transport.ParseKind(backend)
	if err != nil {
		stderrLogger.Fatalf("backend: %s", err)
	}

	stderrLogger.Printf("fetlink %s is starting.", version)

	c := usb.NewContext(longMemoryWriter)
	defer c.Close()

	ref := transport.DeviceRef{
		Location: location,
		Vendor:   id.vendor,
		Product:  id.product,
		Serial:   serial,
	}
	tr, err := usb.Open(c, ref, usb.Config{Kind: kind, BaudRate: baudRate})
	if err != nil {
		stderrLogger.Fatalf("open: %s", err)
	}
	defer tr.Close()

	stderrLogger.Printf("%s transport open", kind)
	if err := console(tr, os.Stdin, os.Stdout); err != nil {
		stderrLogger.Fatalf("console: %s", err)
	}
}

// console bridges the transport to a line console. Hex lines go to
// the device and the reply comes back as a hex line; slash commands
// drive the rest of the transport surface.
func console(tr transport.Transport, in *os.File, out *os.File) error {
	scanner := bufio.NewScanner(in)
	w := bufio.NewWriter(out)
	defer w.Flush()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if err := command(tr, line); err != nil {
				fmt.Fprintf(w, "! %s\n", err)
			}
			w.Flush()
			continue
		}
		data, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
		if err != nil {
			fmt.Fprintf(w, "! bad hex: %s\n", err)
			w.Flush()
			continue
		}
		if err := tr.Send(data); err != nil {
			fmt.Fprintf(w, "! send: %s\n", err)
			w.Flush()
			continue
		}
		buf := make([]byte, 256)
		n, err := tr.Recv(buf)
		if err != nil {
			fmt.Fprintf(w, "! recv: %s\n", err)
		} else {
			fmt.Fprintf(w, "< %s\n", hex.EncodeToString(buf[:n]))
		}
		w.Flush()
	}
	return scanner.Err()
}

func command(tr transport.Transport, line string) error {
	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "flush":
		return tr.Flush()
	case "suspend":
		return tr.Suspend()
	case "resume":
		return tr.Resume()
	case "modem":
		var state transport.ModemState
		for _, name := range strings.Split(arg, ",") {
			switch strings.TrimSpace(name) {
			case "dtr":
				state |= transport.ModemDTR
			case "rts":
				state |= transport.ModemRTS
			case "":
			default:
				return fmt.Errorf("unknown modem line %q", name)
			}
		}
		return tr.SetModem(state)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
