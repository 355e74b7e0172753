// Package attinysim provides an in-memory ATtiny that behaves as the slave
// side of the high-voltage serial programming protocol. It exposes its six
// control lines as periph.io gpio pins, so a programmer can be exercised
// over real pin traffic without hardware.
package attinysim

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Command bytes latched by the load-command instruction.
const (
	cmdChipErase     = 0x80
	cmdWriteFuse     = 0x40
	cmdReadSignature = 0x08
	cmdReadFuseLock  = 0x04
)

// Instruction bytes with a fixed meaning regardless of the latched command.
const (
	instrLoadCommand = 0x4C
	instrLoadAddress = 0x0C
	instrLoadData    = 0x2C
)

// Select instructions selecting which byte a read returns.
const (
	selLFuseOrSig = 0x68
	selHFuse      = 0x7A
	selEFuse      = 0x6A
	selLock       = 0x78
)

// Fuse selection encodings carried by the two address frames of a write
// sequence.
const (
	addrLFuse = 0x646C
	addrHFuse = 0x747C
	addrEFuse = 0x666E
)

// idleWord keeps SDO high between responses so the programmer sees a ready
// target.
const idleWord = 0x7FF

const defaultBusyReads = 8

// Frame is one completed 11-bit exchange, decoded back to its payload
// bytes.
type Frame struct {
	Value       byte
	Instruction byte
}

// Config sets up the simulated chip's non-volatile state.
type Config struct {
	// Signature is the two identification bytes the programmer composes,
	// for example 0x9007 for an ATtiny13.
	Signature uint16

	LFuse byte
	HFuse byte
	EFuse byte
	Lock  byte

	// HoldBusy keeps SDO low forever, standing in for a missing or dead
	// target.
	HoldBusy bool

	// BusyReads is how many SDO polls report busy after an erase or fuse
	// write before the chip turns ready again. Zero selects a small
	// default.
	BusyReads int
}

// Target is the simulated chip. Use the exported pin fields to wire it to a
// programmer. Not safe for concurrent use; the protocol itself is strictly
// serial.
type Target struct {
	sci, sdi, sii *simPin
	sdo, rst, vcc *simPin

	SCI gpio.PinIO
	SDI gpio.PinIO
	SII gpio.PinIO
	SDO gpio.PinIO
	RST gpio.PinIO
	VCC gpio.PinIO

	sig   [3]byte
	lfuse byte
	hfuse byte
	efuse byte
	lock  byte

	flashErased bool

	clocks  int
	sdiAcc  uint16
	siiAcc  uint16
	sdoWord uint16

	opcode       byte
	sigIndex     byte
	fuseValue    byte
	addrHigh     byte
	haveAddrHigh bool

	busyReads int
	busyCount int

	frames []Frame
}

func New(cfg Config) *Target {
	t := &Target{
		sig:       [3]byte{0x1E, byte(cfg.Signature>>8), byte(cfg.Signature)},
		lfuse:     cfg.LFuse,
		hfuse:     cfg.HFuse,
		efuse:     cfg.EFuse,
		lock:      cfg.Lock,
		sdoWord:   idleWord,
		busyCount: cfg.BusyReads,
	}

	if t.busyCount == 0 {
		t.busyCount = defaultBusyReads
	}
	if cfg.HoldBusy {
		t.busyReads = -1
	}

	t.sci = &simPin{t: t, name: "SIM_SCI", num: 0, role: roleSCI}
	t.sdi = &simPin{t: t, name: "SIM_SDI", num: 1, role: roleSDI}
	t.sii = &simPin{t: t, name: "SIM_SII", num: 2, role: roleSII}
	t.sdo = &simPin{t: t, name: "SIM_SDO", num: 3, role: roleSDO}
	t.rst = &simPin{t: t, name: "SIM_RST", num: 4, role: roleRST}
	t.vcc = &simPin{t: t, name: "SIM_VCC", num: 5, role: roleVCC}

	t.SCI, t.SDI, t.SII = t.sci, t.sdi, t.sii
	t.SDO, t.RST, t.VCC = t.sdo, t.rst, t.vcc

	return t
}

// Frames returns a copy of all exchanges decoded so far.
func (t *Target) Frames() []Frame {
	return append([]Frame(nil), t.frames...)
}

func (t *Target) ClearFrames() {
	t.frames = nil
}

func (t *Target) LFuse() byte { return t.lfuse }
func (t *Target) HFuse() byte { return t.hfuse }
func (t *Target) EFuse() byte { return t.efuse }
func (t *Target) Lock() byte  { return t.lock }

// FlashErased reports whether a chip erase completed.
func (t *Target) FlashErased() bool { return t.flashErased }

// PoweredOn reports whether the supply line is high.
func (t *Target) PoweredOn() bool { return t.vcc.level == gpio.High }

// HighVoltageOn reports whether 12V is applied to reset. The reset driver
// inverts, so a low RST line means high voltage on the chip.
func (t *Target) HighVoltageOn() bool { return t.rst.level == gpio.Low }

// clockRise latches SDI and SII and advances the frame. At the eleventh
// edge the frame is decoded and executed.
func (t *Target) clockRise() {
	if t.vcc.level != gpio.High {
		return
	}

	t.sdiAcc = t.sdiAcc<<1 | levelBit(t.sdi.level)
	t.siiAcc = t.siiAcc<<1 | levelBit(t.sii.level)
	t.clocks++

	if t.clocks < 11 {
		return
	}

	value := byte(t.sdiAcc >> 2)
	instruction := byte(t.siiAcc >> 2)
	t.clocks = 0
	t.sdiAcc, t.siiAcc = 0, 0

	t.execute(value, instruction)
}

// execute decodes one completed frame. Responses load at the end of the
// frame carrying the select instruction, so the following frame clocks the
// value out, as the silicon does.
func (t *Target) execute(value, instruction byte) {
	t.frames = append(t.frames, Frame{Value: value, Instruction: instruction})

	switch instruction {
	case instrLoadCommand:
		t.opcode = value
		t.haveAddrHigh = false
		t.loadIdle()
		return
	case instrLoadAddress:
		t.sigIndex = value
		t.loadIdle()
		return
	case instrLoadData:
		t.fuseValue = value
		t.loadIdle()
		return
	}

	switch t.opcode {
	case cmdReadSignature:
		if instruction == selLFuseOrSig {
			t.loadResponse(t.sig[int(t.sigIndex)%len(t.sig)])
		} else {
			t.loadIdle()
		}

	case cmdReadFuseLock:
		switch instruction {
		case selLFuseOrSig:
			t.loadResponse(t.lfuse)
		case selHFuse:
			t.loadResponse(t.hfuse)
		case selEFuse:
			t.loadResponse(t.efuse)
		case selLock:
			t.loadResponse(t.lock)
		default:
			t.loadIdle()
		}

	case cmdWriteFuse:
		if !t.haveAddrHigh {
			t.addrHigh = instruction
			t.haveAddrHigh = true
			t.loadIdle()
		} else {
			t.storeFuse(uint16(t.addrHigh)<<8|uint16(instruction), t.fuseValue)
			t.haveAddrHigh = false
			t.beginBusy()
		}

	case cmdChipErase:
		if instruction == 0x6C {
			t.lock = 0x03
			t.flashErased = true
			t.beginBusy()
		} else {
			t.loadIdle()
		}

	default:
		t.loadIdle()
	}
}

// loadResponse presents a byte for the next frame: ready bit high, data in
// bits 2..9, trailing framing bits zero. This mirrors the programmer's
// framing, which discards the ready bit and the framing bits.
func (t *Target) loadResponse(value byte) {
	t.sdoWord = 1<<10 | uint16(value)<<2
}

func (t *Target) loadIdle() {
	t.sdoWord = idleWord
}

// beginBusy arms the post-write countdown; a held-busy target stays held.
func (t *Target) beginBusy() {
	if t.busyReads >= 0 {
		t.busyReads = t.busyCount
	}
	t.loadIdle()
}

func (t *Target) storeFuse(addr uint16, value byte) {
	switch addr {
	case addrLFuse:
		t.lfuse = value
	case addrHFuse:
		t.hfuse = value
	case addrEFuse:
		t.efuse = value
	}
}

// sdoLevel is what the programmer samples. While busy the line stays low;
// otherwise it follows the current response word, bit 10 first.
func (t *Target) sdoLevel() gpio.Level {
	if t.busyReads != 0 {
		if t.busyReads > 0 {
			t.busyReads--
		}
		return gpio.Low
	}

	bit := 10 - t.clocks
	return gpio.Level(t.sdoWord&(1<<bit) != 0)
}

// resetShift drops all transient protocol state, as a power cycle does.
func (t *Target) resetShift() {
	t.clocks = 0
	t.sdiAcc, t.siiAcc = 0, 0
	t.opcode = 0
	t.haveAddrHigh = false
	t.loadIdle()
}

func levelBit(l gpio.Level) uint16 {
	if l == gpio.High {
		return 1
	}
	return 0
}

type pinRole int

const (
	roleSCI pinRole = iota
	roleSDI
	roleSII
	roleSDO
	roleRST
	roleVCC
)

// simPin is one line of the simulated chip.
type simPin struct {
	t     *Target
	name  string
	num   int
	role  pinRole
	level gpio.Level
	isIn  bool
}

var _ gpio.PinIO = &simPin{}

func (p *simPin) Name() string   { return p.name }
func (p *simPin) Number() int    { return p.num }
func (p *simPin) String() string { return fmt.Sprintf("%s(%d)", p.name, p.num) }
func (p *simPin) Halt() error    { return nil }

func (p *simPin) Function() string {
	if p.isIn {
		return "In"
	}
	return "Out"
}

func (p *simPin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.isIn = true
	return nil
}

func (p *simPin) Read() gpio.Level {
	if p.role == roleSDO && p.isIn {
		return p.t.sdoLevel()
	}
	return p.level
}

// WaitForEdge always reports no edge; the simulator generates none of its
// own.
func (p *simPin) WaitForEdge(timeout time.Duration) bool {
	return false
}

func (p *simPin) Pull() gpio.Pull        { return gpio.Float }
func (p *simPin) DefaultPull() gpio.Pull { return gpio.Float }

func (p *simPin) Out(l gpio.Level) error {
	prev := p.level
	p.isIn = false
	p.level = l

	switch p.role {
	case roleSCI:
		if prev == gpio.Low && l == gpio.High {
			p.t.clockRise()
		}
	case roleVCC:
		if prev != l {
			p.t.resetShift()
		}
	}

	return nil
}

func (p *simPin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return fmt.Errorf("%s: PWM is not supported", p.name)
}
