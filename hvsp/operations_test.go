package hvsp

import (
	"testing"

	"github.com/bWildered1/ATtiny-HighVoltageProgrammer-FuseEraser/hvsp/attinysim"
)

func TestReadSignature(t *testing.T) {
	prog, sim := newSimProgrammer(t, attinysim.Config{Signature: 0x9007})
	enterSim(t, prog, sim)

	r, err := prog.ReadSignature()
	if err != nil {
		t.Fatalf("ReadSignature() failed: %v", err)
	}
	if r.Signature != 0x9007 {
		t.Errorf("signature = %s, expected 0x9007", r.Signature)
	}
	if r.TimedOut {
		t.Error("unexpected timeout")
	}

	expected := []attinysim.Frame{
		{Value: 0x08, Instruction: 0x4C},
		{Value: 0x01, Instruction: 0x0C},
		{Value: 0x00, Instruction: 0x68},
		{Value: 0x00, Instruction: 0x6C},
		{Value: 0x08, Instruction: 0x4C},
		{Value: 0x02, Instruction: 0x0C},
		{Value: 0x00, Instruction: 0x68},
		{Value: 0x00, Instruction: 0x6C},
	}
	if got := sim.Frames(); !framesEqual(got, expected) {
		t.Errorf("target decoded %v, expected %v", got, expected)
	}
}

func TestReadFuses(t *testing.T) {
	prog, sim := newSimProgrammer(t, attinysim.Config{LFuse: 0x62, HFuse: 0xDF, EFuse: 0xFF})
	enterSim(t, prog, sim)

	r, err := prog.ReadFuses()
	if err != nil {
		t.Fatalf("ReadFuses() failed: %v", err)
	}

	if r.Low != 0x62 || r.High != 0xDF || r.Extended != 0xFF {
		t.Errorf("fuses = %02X/%02X/%02X, expected 62/DF/FF", r.Low, r.High, r.Extended)
	}
	if r.TimedOut {
		t.Error("unexpected timeout")
	}
}

func TestReadFusesIdempotent(t *testing.T) {
	prog, sim := newSimProgrammer(t, attinysim.Config{LFuse: 0x6A, HFuse: 0xFF, EFuse: 0x01})
	enterSim(t, prog, sim)

	first, err := prog.ReadFuses()
	if err != nil {
		t.Fatalf("first ReadFuses() failed: %v", err)
	}
	second, err := prog.ReadFuses()
	if err != nil {
		t.Fatalf("second ReadFuses() failed: %v", err)
	}

	if first != second {
		t.Errorf("consecutive reads differ: %+v then %+v", first, second)
	}
}

func TestReadLockBits(t *testing.T) {
	tests := []struct {
		lock     byte
		lb1, lb2 bool
	}{
		{lock: 0x00, lb1: true, lb2: true},
		{lock: 0x01, lb1: false, lb2: true},
		{lock: 0x02, lb1: true, lb2: false},
		{lock: 0x03, lb1: false, lb2: false},
		{lock: 0xFF, lb1: false, lb2: false},
		{lock: 0xFC, lb1: true, lb2: true},
	}

	for _, test := range tests {
		prog, sim := newSimProgrammer(t, attinysim.Config{Lock: test.lock})
		enterSim(t, prog, sim)

		r, err := prog.ReadLockBits()
		if err != nil {
			t.Fatalf("lock 0x%02X: ReadLockBits() failed: %v", test.lock, err)
		}

		if r.Raw != test.lock {
			t.Errorf("lock 0x%02X: raw = 0x%02X", test.lock, r.Raw)
		}
		if r.LB1Programmed() != test.lb1 {
			t.Errorf("lock 0x%02X: LB1Programmed = %v, expected %v", test.lock, r.LB1Programmed(), test.lb1)
		}
		if r.LB2Programmed() != test.lb2 {
			t.Errorf("lock 0x%02X: LB2Programmed = %v, expected %v", test.lock, r.LB2Programmed(), test.lb2)
		}
	}
}

func TestWriteFuse(t *testing.T) {
	prog, sim := newSimProgrammer(t, attinysim.Config{LFuse: 0x00, HFuse: 0x00, EFuse: 0x00})
	enterSim(t, prog, sim)

	if _, err := prog.WriteFuse(LFuseAddress, 0x6A); err != nil {
		t.Fatalf("WriteFuse(lfuse) failed: %v", err)
	}
	if _, err := prog.WriteFuse(HFuseAddress, 0xDF); err != nil {
		t.Fatalf("WriteFuse(hfuse) failed: %v", err)
	}
	if _, err := prog.WriteFuse(EFuseAddress, 0xFE); err != nil {
		t.Fatalf("WriteFuse(efuse) failed: %v", err)
	}

	if sim.LFuse() != 0x6A {
		t.Errorf("lfuse = 0x%02X, expected 0x6A", sim.LFuse())
	}
	if sim.HFuse() != 0xDF {
		t.Errorf("hfuse = 0x%02X, expected 0xDF", sim.HFuse())
	}
	if sim.EFuse() != 0xFE {
		t.Errorf("efuse = 0x%02X, expected 0xFE", sim.EFuse())
	}
}

func TestWriteFuseSequenceFrames(t *testing.T) {
	prog, sim := newSimProgrammer(t, attinysim.Config{})
	enterSim(t, prog, sim)

	if _, err := prog.WriteFuse(HFuseAddress, 0xDF); err != nil {
		t.Fatalf("WriteFuse() failed: %v", err)
	}

	// The 16-bit fuse address is split into its high and low halves.
	expected := []attinysim.Frame{
		{Value: 0x40, Instruction: 0x4C},
		{Value: 0xDF, Instruction: 0x2C},
		{Value: 0x00, Instruction: 0x74},
		{Value: 0x00, Instruction: 0x7C},
	}
	if got := sim.Frames(); !framesEqual(got, expected) {
		t.Errorf("target decoded %v, expected %v", got, expected)
	}
}

func TestEraseChip(t *testing.T) {
	prog, sim := newSimProgrammer(t, attinysim.Config{Lock: 0x00})
	enterSim(t, prog, sim)

	timedOut, err := prog.EraseChip()
	if err != nil {
		t.Fatalf("EraseChip() failed: %v", err)
	}
	if timedOut {
		t.Error("unexpected timeout")
	}

	if !sim.FlashErased() {
		t.Error("flash should be erased")
	}
	if sim.Lock() != 0x03 {
		t.Errorf("lock = 0x%02X, expected 0x03 after erase", sim.Lock())
	}

	expected := []attinysim.Frame{
		{Value: 0x80, Instruction: 0x4C},
		{Value: 0x00, Instruction: 0x64},
		{Value: 0x00, Instruction: 0x6C},
	}
	if got := sim.Frames(); !framesEqual(got, expected) {
		t.Errorf("target decoded %v, expected %v", got, expected)
	}
}

func TestOperationsReportTimeout(t *testing.T) {
	prog, sim := newSimProgrammer(t, attinysim.Config{HoldBusy: true})
	enterSim(t, prog, sim)

	fuses, err := prog.ReadFuses()
	if err != nil {
		t.Fatalf("ReadFuses() failed: %v", err)
	}
	if !fuses.TimedOut {
		t.Error("ReadFuses against a busy target should report a timeout")
	}

	sig, err := prog.ReadSignature()
	if err != nil {
		t.Fatalf("ReadSignature() failed: %v", err)
	}
	if !sig.TimedOut {
		t.Error("ReadSignature against a busy target should report a timeout")
	}
}
