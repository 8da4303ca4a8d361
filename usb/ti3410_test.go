package usb

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fetlink/fetlink-go/transport"
)

func testTI3410(p *fakePort) *TI3410 {
	return &TI3410{
		mw:    testWriter(),
		ref:   transport.DeviceRef{Vendor: ti3410VendorID, Product: ti3410ProductID},
		clk:   &fakeClock{step: time.Millisecond},
		sleep: func(time.Duration) {},
		dial: func(transport.DeviceRef) (port, error) {
			return p, nil
		},
		p: p,
	}
}

func TestTI3410ConfigureSequence(t *testing.T) {
	p := &fakePort{}
	tr := testTI3410(p)

	if err := tr.configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}
	want := []string{
		"interruptIn",
		"control 40/05 val 0000 idx 0003", // UART config
		"control 40/80 val 0000 idx 0005", // MCR write
		"control 40/06 val 0089 idx 0003", // open port
		"control 40/08 val 0000 idx 0003", // start port
		"control 40/0b val 0080 idx 0003", // purge input
		"interruptIn",
		"interruptIn",
		"control 40/0b val 0000 idx 0003", // purge output
		"interruptIn",
		"clearHalt 81",
		"clearHalt 01",
		"control 40/05 val 0000 idx 0003", // the whole unit runs again
		"control 40/80 val 0000 idx 0005",
		"control 40/06 val 0089 idx 0003",
		"control 40/08 val 0000 idx 0003",
	}
	if len(p.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", p.ops, want)
	}
	for i := range want {
		if p.ops[i] != want[i] {
			t.Errorf("ops[%d] = %q, want %q", i, p.ops[i], want[i])
		}
	}
}

func TestTI3410ConfigurePayloads(t *testing.T) {
	payloads := map[uint8][]byte{}
	counts := map[uint8]int{}
	p := &fakePort{
		controlFn: func(rType, request uint8, value, index uint16, data []byte, _ time.Duration) (int, error) {
			counts[request]++
			if len(data) > 0 {
				payloads[request] = append([]byte(nil), data...)
			}
			return len(data), nil
		},
	}
	tr := testTI3410(p)

	if err := tr.configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}
	// both data-carrying requests belong to the repeated unit
	if counts[tiSetConfig] != 2 || counts[tiWriteData] != 2 {
		t.Errorf("SET_CONFIG sent %d times, MCR write %d times, want 2 and 2",
			counts[tiSetConfig], counts[tiWriteData])
	}
	wantCfg := []byte{0x00, 0x02, 0x60, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(payloads[tiSetConfig], wantCfg) {
		t.Errorf("UART config = % x, want % x", payloads[tiSetConfig], wantCfg)
	}
	wantMCR := []byte{0x30, 0x01, 0x01, 0x00, 0x00, 0xff, 0xa4, 0x34, 0x30}
	if !bytes.Equal(payloads[tiWriteData], wantMCR) {
		t.Errorf("MCR write = % x, want % x", payloads[tiWriteData], wantMCR)
	}
}

func TestTI3410ActiveConfigLeavesBootConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		dev  *fakeDevice
		want int
	}{
		{
			name: "still on boot config after re-enumeration",
			dev:  &fakeDevice{activeConfig: 1},
			want: 2,
		},
		{
			name: "already on the UART config",
			dev:  &fakeDevice{activeConfig: 2},
			want: 2,
		},
		{
			name: "config unknown",
			dev:  &fakeDevice{activeConfigErr: errors.New("no answer")},
			want: 2,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := activeConfig(tc.dev); got != tc.want {
				t.Errorf("activeConfig = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestTI3410RecvWaitsForData(t *testing.T) {
	reads := 0
	p := &fakePort{
		bulkInFn: func(buf []byte, _ time.Duration) (int, error) {
			reads++
			if reads < 3 {
				return 0, nil
			}
			copy(buf, []byte{0x42})
			return 1, nil
		},
	}
	tr := testTI3410(p)

	buf := make([]byte, 8)
	n, err := tr.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 1 || buf[0] != 0x42 {
		t.Errorf("payload = % x (n=%d), want 42", buf[:n], n)
	}
	if reads != 3 {
		t.Errorf("reads = %d, want 3", reads)
	}
}

func TestTI3410RecvDeadline(t *testing.T) {
	p := &fakePort{} // every read times out
	tr := testTI3410(p)
	tr.clk = &fakeClock{step: 10 * time.Second}

	_, err := tr.Recv(make([]byte, 8))
	if !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestTI3410CloseShutsPortDown(t *testing.T) {
	p := &fakePort{}
	tr := testTI3410(p)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []string{"control 40/07 val 0000 idx 0003", "close"}
	if len(p.ops) != len(want) || p.ops[0] != want[0] || p.ops[1] != want[1] {
		t.Errorf("ops = %v, want %v", p.ops, want)
	}

	// port already gone, second close is a no-op
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if p.closed != 1 {
		t.Errorf("port closed %d times, want 1", p.closed)
	}
}

func TestTI3410CloseSurvivesFailedRequest(t *testing.T) {
	p := &fakePort{
		controlFn: func(uint8, uint8, uint16, uint16, []byte, time.Duration) (int, error) {
			return 0, errors.New("device unplugged")
		},
	}
	tr := testTI3410(p)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.closed != 1 {
		t.Error("handle not released after failed close request")
	}
}

func TestTI3410SetModemUnsupported(t *testing.T) {
	tr := testTI3410(&fakePort{})
	if err := tr.SetModem(transport.ModemRTS); !errors.Is(err, transport.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestTI3410SuspendResume(t *testing.T) {
	old := &fakePort{}
	fresh := &fakePort{}
	tr := testTI3410(old)
	tr.dial = func(transport.DeviceRef) (port, error) {
		return fresh, nil
	}

	if err := tr.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if len(old.ops) == 0 || old.ops[0] != "control 40/07 val 0000 idx 0003" {
		t.Errorf("ops = %v, want leading close port request", old.ops)
	}
	if old.closed != 1 {
		t.Error("suspend did not close the port")
	}

	if err := tr.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// resume reruns the whole port bring-up
	if len(fresh.ops) != 16 {
		t.Errorf("ops after resume = %d, want 16", len(fresh.ops))
	}
}
