package server

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		dport, echo uint8
		want        Route
	}{
		{0, 10, RouteService},
		{6, 10, RouteService},
		{7, 10, RouteUnhandled},
		{10, 10, RouteEcho},
		{11, 10, RouteUnhandled},
		{63, 10, RouteUnhandled},
		{20, 20, RouteEcho},
	}
	for _, tc := range cases {
		if got := Classify(tc.dport, tc.echo); got != tc.want {
			t.Errorf("Classify(%d, %d) = %s, want %s", tc.dport, tc.echo, got, tc.want)
		}
	}
}

func TestEchoTransform(t *testing.T) {
	in := []byte{0xFF, 0x01, 0x02}
	out, err := EchoTransform(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 0x00 || out[1] != 0x01 || out[2] != 0x02 {
		t.Fatalf("got %v", out)
	}
	if in[0] != 0xFF {
		t.Fatalf("input mutated")
	}
	if _, err := EchoTransform(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestParseUnhandledPolicy(t *testing.T) {
	if p, err := ParseUnhandledPolicy("LOG"); err != nil || p != UnhandledLog {
		t.Fatalf("log: %v %v", p, err)
	}
	if p, err := ParseUnhandledPolicy(""); err != nil || p != UnhandledDrop {
		t.Fatalf("default: %v %v", p, err)
	}
	if _, err := ParseUnhandledPolicy("reject"); err == nil {
		t.Fatal("expected error")
	}
}

func FuzzEchoTransform(f *testing.F) {
	f.Add([]byte{0xFF})
	f.Add([]byte{0x00, 0x10})
	f.Fuzz(func(t *testing.T, b []byte) {
		out, err := EchoTransform(b)
		if len(b) == 0 {
			if !errors.Is(err, ErrEmptyPayload) {
				t.Fatalf("expected ErrEmptyPayload")
			}
			return
		}
		if out[0] != b[0]+1 || string(out[1:]) != string(b[1:]) {
			t.Fatalf("bad transform %v -> %v", b, out)
		}
	})
}
