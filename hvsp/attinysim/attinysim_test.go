package attinysim

import (
	"testing"

	"periph.io/x/conn/v3/gpio"
)

// powerUp puts the simulated chip into programming mode the way a real
// programmer would.
func powerUp(t *testing.T, target *Target) {
	t.Helper()

	if err := target.SDO.Out(gpio.Low); err != nil {
		t.Fatalf("driving SDO low failed: %v", err)
	}
	if err := target.VCC.Out(gpio.High); err != nil {
		t.Fatalf("powering on failed: %v", err)
	}
	if err := target.RST.Out(gpio.Low); err != nil {
		t.Fatalf("applying 12V failed: %v", err)
	}
	if err := target.SDO.In(gpio.Float, gpio.NoEdge); err != nil {
		t.Fatalf("releasing SDO failed: %v", err)
	}
}

// clockFrame bit-bangs one 11-bit frame from the master side and returns
// the byte the chip shifted back.
func clockFrame(target *Target, value, instruction byte) byte {
	dataWord := uint16(value) << 2
	instrWord := uint16(instruction) << 2

	var acc uint16
	for bit := 10; bit >= 0; bit-- {
		target.SDI.Out(gpio.Level(dataWord&(1<<bit) != 0))
		target.SII.Out(gpio.Level(instrWord&(1<<bit) != 0))

		acc <<= 1
		if target.SDO.Read() == gpio.High {
			acc |= 1
		}

		target.SCI.Out(gpio.High)
		target.SCI.Out(gpio.Low)
	}

	return byte(acc >> 2)
}

func TestFrameDecode(t *testing.T) {
	target := New(Config{})
	powerUp(t, target)

	clockFrame(target, 0x04, 0x4C)

	frames := target.Frames()
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, expected 1", len(frames))
	}
	if frames[0].Value != 0x04 || frames[0].Instruction != 0x4C {
		t.Errorf("decoded %+v, expected value 0x04 instruction 0x4C", frames[0])
	}
}

func TestSignatureResponse(t *testing.T) {
	target := New(Config{Signature: 0x930B})
	powerUp(t, target)

	clockFrame(target, 0x08, 0x4C)
	clockFrame(target, 0x01, 0x0C)
	clockFrame(target, 0x00, 0x68)
	if got := clockFrame(target, 0x00, 0x6C); got != 0x93 {
		t.Errorf("signature byte 1 = 0x%02X, expected 0x93", got)
	}

	clockFrame(target, 0x08, 0x4C)
	clockFrame(target, 0x02, 0x0C)
	clockFrame(target, 0x00, 0x68)
	if got := clockFrame(target, 0x00, 0x6C); got != 0x0B {
		t.Errorf("signature byte 2 = 0x%02X, expected 0x0B", got)
	}
}

func TestReadyThenBusyAfterErase(t *testing.T) {
	target := New(Config{BusyReads: 3})
	powerUp(t, target)

	if target.SDO.Read() != gpio.High {
		t.Fatal("idle chip should report ready")
	}

	clockFrame(target, 0x80, 0x4C)
	clockFrame(target, 0x00, 0x64)
	clockFrame(target, 0x00, 0x6C)

	if !target.FlashErased() {
		t.Fatal("erase strobe should clear the flash")
	}
	if target.Lock() != 0x03 {
		t.Errorf("lock = 0x%02X, expected 0x03", target.Lock())
	}

	for i := 0; i < 3; i++ {
		if target.SDO.Read() != gpio.Low {
			t.Fatalf("poll %d: chip should still be busy", i)
		}
	}
	if target.SDO.Read() != gpio.High {
		t.Error("chip should be ready after the busy polls")
	}
}

func TestHoldBusyAfterErase(t *testing.T) {
	target := New(Config{HoldBusy: true})
	powerUp(t, target)

	clockFrame(target, 0x80, 0x4C)
	clockFrame(target, 0x00, 0x64)
	clockFrame(target, 0x00, 0x6C)

	if !target.FlashErased() {
		t.Fatal("erase strobe should clear the flash")
	}

	// The finite post-erase countdown must not override the hold.
	for i := 0; i < 3*defaultBusyReads; i++ {
		if target.SDO.Read() != gpio.Low {
			t.Fatalf("poll %d: held-busy chip reported ready", i)
		}
	}
}

func TestPowerCycleResetsDecoder(t *testing.T) {
	target := New(Config{})
	powerUp(t, target)

	// Half a frame, abandoned by a power cycle.
	for i := 0; i < 5; i++ {
		target.SDI.Out(gpio.High)
		target.SII.Out(gpio.High)
		target.SCI.Out(gpio.High)
		target.SCI.Out(gpio.Low)
	}

	target.VCC.Out(gpio.Low)
	powerUp(t, target)

	clockFrame(target, 0x04, 0x4C)

	frames := target.Frames()
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, expected only the complete one", len(frames))
	}
	if frames[0].Value != 0x04 || frames[0].Instruction != 0x4C {
		t.Errorf("decoded %+v, expected value 0x04 instruction 0x4C", frames[0])
	}
}

func TestClockIgnoredWithoutPower(t *testing.T) {
	target := New(Config{})

	clockFrame(target, 0x04, 0x4C)

	if n := len(target.Frames()); n != 0 {
		t.Errorf("unpowered chip decoded %d frames", n)
	}
}
