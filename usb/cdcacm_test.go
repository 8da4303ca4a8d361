package usb

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fetlink/fetlink-go/transport"
)

func testCDCACM(p *fakePort) *CDCACM {
	return &CDCACM{
		mw:    testWriter(),
		ref:   transport.DeviceRef{Vendor: 0x2047, Product: 0x0013},
		clk:   &fakeClock{step: time.Millisecond},
		baud:  defaultBaudRate,
		iface: 1,
		dial: func(transport.DeviceRef) (port, error) {
			return p, nil
		},
		p: p,
	}
}

func TestCDCACMConfigure(t *testing.T) {
	var codings [][]byte
	p := &fakePort{
		controlFn: func(rType, request uint8, value, index uint16, data []byte, _ time.Duration) (int, error) {
			if request == cdcSetLineCoding {
				codings = append(codings, append([]byte(nil), data...))
			}
			return len(data), nil
		},
	}
	tr := testCDCACM(p)

	if err := tr.configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}
	want := []string{
		"control 21/20 val 0000 idx 0001",
		"control 21/22 val 0000 idx 0001", // control lines cleared at open
	}
	if len(p.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", p.ops, want)
	}
	for i := range want {
		if p.ops[i] != want[i] {
			t.Errorf("ops[%d] = %q, want %q", i, p.ops[i], want[i])
		}
	}
	// 460800 baud, 1 stop bit, no parity, 8 data bits
	wantCoding := []byte{0x00, 0x08, 0x07, 0x00, 0, 0, 8}
	if len(codings) != 1 || !bytes.Equal(codings[0], wantCoding) {
		t.Errorf("line coding = % x, want % x", codings, wantCoding)
	}
}

func TestCDCACMRecvReadAhead(t *testing.T) {
	chunk := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	reads := 0
	p := &fakePort{
		bulkInFn: func(buf []byte, _ time.Duration) (int, error) {
			reads++
			copy(buf, chunk)
			return len(chunk), nil
		},
	}
	tr := testCDCACM(p)

	var got []byte
	for _, size := range []int{4, 4, 2} {
		buf := make([]byte, size)
		n, err := tr.Recv(buf)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, chunk) {
		t.Errorf("reassembled = % x, want % x", got, chunk)
	}
	if reads != 1 {
		t.Errorf("device reads = %d, want 1", reads)
	}

	// buffer exhausted, the next call refills
	buf := make([]byte, 4)
	n, err := tr.Recv(buf)
	if err != nil {
		t.Fatalf("Recv after drain: %v", err)
	}
	if reads != 2 {
		t.Errorf("device reads = %d, want 2", reads)
	}
	if !bytes.Equal(buf[:n], chunk[:4]) {
		t.Errorf("refill = % x, want % x", buf[:n], chunk[:4])
	}
}

func TestCDCACMRecvTimedOutRefill(t *testing.T) {
	reads := 0
	p := &fakePort{
		bulkInFn: func(buf []byte, _ time.Duration) (int, error) {
			reads++
			if reads == 1 {
				return 0, errTimeout()
			}
			copy(buf, []byte{7, 8})
			return 2, errTimeout()
		},
	}
	tr := testCDCACM(p)

	// empty completion passes through instead of failing
	n, err := tr.Recv(make([]byte, 4))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}

	// a timed-out transfer still delivers what arrived
	buf := make([]byte, 4)
	n, err = tr.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{7, 8}) {
		t.Errorf("payload = % x, want 07 08", buf[:n])
	}
}

func TestCDCACMRecvError(t *testing.T) {
	p := &fakePort{
		bulkInFn: func(buf []byte, _ time.Duration) (int, error) {
			return 0, errors.New("device gone")
		},
	}
	tr := testCDCACM(p)

	if _, err := tr.Recv(make([]byte, 4)); err == nil {
		t.Error("hard transfer failure swallowed")
	}
}

func TestCDCACMFlushDropsReadAhead(t *testing.T) {
	p := &fakePort{
		bulkInFn: func(buf []byte, _ time.Duration) (int, error) {
			return 0, errTimeout()
		},
	}
	tr := testCDCACM(p)
	tr.rlen = 8
	tr.rptr = 2

	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if tr.rlen != 0 || tr.rptr != 0 {
		t.Error("read-ahead buffer survived flush")
	}
}

func TestCDCACMSetModem(t *testing.T) {
	p := &fakePort{}
	tr := testCDCACM(p)

	for _, tc := range []struct {
		state transport.ModemState
		want  string
	}{
		{0, "control 21/22 val 0000 idx 0001"},
		{transport.ModemDTR, "control 21/22 val 0001 idx 0001"},
		{transport.ModemRTS, "control 21/22 val 0002 idx 0001"},
		{transport.ModemDTR | transport.ModemRTS, "control 21/22 val 0003 idx 0001"},
	} {
		p.ops = nil
		if err := tr.SetModem(tc.state); err != nil {
			t.Fatalf("SetModem(%d): %v", tc.state, err)
		}
		if len(p.ops) != 1 || p.ops[0] != tc.want {
			t.Errorf("state %d: ops = %v, want [%s]", tc.state, p.ops, tc.want)
		}
	}
}

func TestCDCACMSuspendResume(t *testing.T) {
	old := &fakePort{}
	fresh := &fakePort{}
	tr := testCDCACM(old)
	tr.rlen = 4
	tr.dial = func(transport.DeviceRef) (port, error) {
		return fresh, nil
	}

	if err := tr.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if old.closed != 1 {
		t.Error("suspend did not close the port")
	}
	if tr.rlen != 0 {
		t.Error("read-ahead buffer survived suspend")
	}
	if _, err := tr.Recv(make([]byte, 4)); !errors.Is(err, transport.ErrSuspended) {
		t.Errorf("Recv while suspended: %v, want ErrSuspended", err)
	}

	if err := tr.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if tr.p != fresh {
		t.Error("resume did not install the new port")
	}
	// line coding and control lines are reprogrammed on resume
	want := []string{
		"control 21/20 val 0000 idx 0001",
		"control 21/22 val 0000 idx 0001",
	}
	if len(fresh.ops) != len(want) {
		t.Fatalf("ops after resume = %v, want %v", fresh.ops, want)
	}
}
