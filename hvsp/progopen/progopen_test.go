package progopen

import (
	"testing"
	"time"
)

func TestOpenRejectsUnknownType(t *testing.T) {
	_, _, err := Open("serialport:/dev/ttyS0", time.Second, nil)
	if err == nil {
		t.Fatal("Open() should reject an unknown wiring type")
	}
}

func TestOpenRejectsBadBaud(t *testing.T) {
	_, _, err := Open("buspirate:/dev/ttyUSB0:fast", time.Second, nil)
	if err == nil {
		t.Fatal("Open() should reject a non-numeric baud rate")
	}
}

func TestGetPart(t *testing.T) {
	parts := []string{"buspirate", "/dev/ttyACM0", ""}

	tests := []struct {
		index    int
		def      string
		expected string
	}{
		{index: 0, def: "x", expected: "buspirate"},
		{index: 1, def: "/dev/ttyUSB0", expected: "/dev/ttyACM0"},
		{index: 2, def: "115200", expected: "115200"},
		{index: 3, def: "115200", expected: "115200"},
	}

	for _, test := range tests {
		if got := getPart(parts, test.index, test.def); got != test.expected {
			t.Errorf("getPart(%d) = %q, expected %q", test.index, got, test.expected)
		}
	}
}
