package transport

import "testing"

func TestParseKind(t *testing.T) {
	for _, tc := range []struct {
		in   string
		kind Kind
		ok   bool
	}{
		{"bslhid", KindBSLHID, true},
		{"cdc-acm", KindCDCACM, true},
		{"cp210x", KindCP210x, true},
		{"ftdi", KindFTDI, true},
		{"ti3410", KindTI3410, true},
		{"serial", 0, false},
		{"", 0, false},
	} {
		kind, err := ParseKind(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseKind(%q) err = %v, want ok %v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && kind != tc.kind {
			t.Errorf("ParseKind(%q) = %v, want %v", tc.in, kind, tc.kind)
		}
	}
}

func TestKindStringRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindBSLHID, KindCDCACM, KindCP210x, KindFTDI, KindTI3410} {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Errorf("ParseKind(%q): %v", k.String(), err)
			continue
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
}

func TestParseLocation(t *testing.T) {
	for _, tc := range []struct {
		in           string
		bus, address int
		ok           bool
	}{
		{"1:4", 1, 4, true},
		{"003:012", 3, 12, true},
		{"0:0", 0, 0, true},
		{"3", 0, 0, false},
		{"3:", 0, 0, false},
		{":4", 0, 0, false},
		{"a:4", 0, 0, false},
		{"3:b", 0, 0, false},
		{"", 0, 0, false},
	} {
		bus, address, err := ParseLocation(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseLocation(%q) err = %v, want ok %v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && (bus != tc.bus || address != tc.address) {
			t.Errorf("ParseLocation(%q) = %d:%d, want %d:%d", tc.in, bus, address, tc.bus, tc.address)
		}
	}
}
