// Package hvsp implements the high-voltage serial programming protocol used
// to recover ATtiny microcontrollers whose fuse or lock bits no longer allow
// normal in-circuit programming. It bit-bangs 11-bit frames over five GPIO
// lines while a sixth line switches the target supply, and provides the
// fixed instruction sequences for signature, fuse and lock-bit access plus
// chip erase.
package hvsp

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

type LogFunc func(format string, params ...interface{})

// Pins groups the control lines between the programmer and the target. All
// six must be assigned. The levels describe the programmer side; RST drives
// an inverting 12V level shifter, so a high RST means no high voltage on
// the target's reset pin.
type Pins struct {
	SCI gpio.PinOut // serial clock to the target
	SDI gpio.PinOut // serial data to the target
	SII gpio.PinOut // serial instruction to the target
	SDO gpio.PinIO  // serial data from the target, driven low during power-up
	RST gpio.PinOut // 12V reset driver, inverting: high = 12V off
	VCC gpio.PinOut // target supply switch
}

func (p Pins) validate() error {
	if p.SCI == nil || p.SDI == nil || p.SII == nil || p.SDO == nil || p.RST == nil || p.VCC == nil {
		return errors.New("all six control lines must be assigned")
	}

	return nil
}

// DefaultReadyTimeout bounds the wait for the target to report ready before
// each frame. Real targets answer in microseconds; the generous default
// keeps slow or marginal chips working.
const DefaultReadyTimeout = 300 * time.Millisecond

// Programming mode entry delays, from the HVSP timing requirements in the
// target datasheets.
const (
	powerOnSettle   = 20 * time.Microsecond
	resetAssertWait = 10 * time.Microsecond
	modeEntryWait   = 300 * time.Microsecond
)

// Config describes a programmer wiring. It is copied by New; a Programmer
// never mutates it afterwards.
type Config struct {
	Pins Pins

	// ReadyTimeout overrides DefaultReadyTimeout when non-zero.
	ReadyTimeout time.Duration

	Log LogFunc
}

// Programmer drives one HVSP target. It is not safe for concurrent use; a
// single session owns the control lines for its whole duration.
type Programmer struct {
	pins         Pins
	readyTimeout time.Duration
	logFunc      LogFunc

	err error
}

func New(cfg Config) (*Programmer, error) {
	if err := cfg.Pins.validate(); err != nil {
		return nil, err
	}

	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}

	return &Programmer{
		pins:         cfg.Pins,
		readyTimeout: cfg.ReadyTimeout,
		logFunc:      cfg.Log,
	}, nil
}

func (p *Programmer) log(format string, params ...interface{}) {
	if p.logFunc != nil {
		p.logFunc(" * "+format, params...)
	}
}

// out drives a line and latches the first failure; the enclosing operation
// reports it. Keeping the shift loop free of error plumbing preserves the
// frame timing.
func (p *Programmer) out(pin gpio.PinOut, level gpio.Level) {
	if err := pin.Out(level); err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %v", pin.Name(), err)
	}
}

func (p *Programmer) takeErr() error {
	err := p.err
	p.err = nil
	return err
}

// waitReady polls SDO until the target raises it or the deadline passes.
// It reports whether the wait timed out; a timeout is tolerated, not fatal,
// so a slow target degrades the data instead of hanging the session.
func (p *Programmer) waitReady() bool {
	deadline := time.Now().Add(p.readyTimeout)

	for p.pins.SDO.Read() == gpio.Low {
		if !time.Now().Before(deadline) {
			return true
		}
	}

	return false
}

// transfer clocks one 11-bit frame out on SDI/SII and returns the byte the
// target shifted back on SDO. The caller's bytes occupy bits 2..9 of each
// frame; the framing bits stay zero. The response accumulates most
// significant bit first across the 11 clock pulses, and dropping its two
// framing bits yields the data byte. The second return value reports a
// ready-wait timeout.
func (p *Programmer) transfer(value, instruction byte) (byte, bool) {
	timedOut := p.waitReady()

	dataWord := uint16(value) << 2
	instrWord := uint16(instruction) << 2

	var acc uint16
	for bit := 10; bit >= 0; bit-- {
		p.out(p.pins.SDI, gpio.Level(dataWord&(1<<bit) != 0))
		p.out(p.pins.SII, gpio.Level(instrWord&(1<<bit) != 0))

		acc <<= 1
		if p.pins.SDO.Read() == gpio.High {
			acc |= 1
		}

		p.out(p.pins.SCI, gpio.High)
		p.out(p.pins.SCI, gpio.Low)
	}

	return byte(acc >> 2), timedOut
}

// EnterProgramming powers the target up into high-voltage programming mode.
// SDO is held low while the supply rises, then released to the target once
// 12V is on reset. No protocol operation may run before this completes.
func (p *Programmer) EnterProgramming() error {
	p.log("Entering programming mode")

	p.out(p.pins.SCI, gpio.Low)
	p.out(p.pins.SDI, gpio.Low)
	p.out(p.pins.SII, gpio.Low)
	p.out(p.pins.SDO, gpio.Low)

	p.out(p.pins.RST, gpio.High) // 12V off
	p.out(p.pins.VCC, gpio.High)
	time.Sleep(powerOnSettle)

	p.out(p.pins.RST, gpio.Low) // 12V on
	time.Sleep(resetAssertWait)

	if err := p.pins.SDO.In(gpio.Float, gpio.NoEdge); err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %v", p.pins.SDO.Name(), err)
	}
	time.Sleep(modeEntryWait)

	return p.takeErr()
}

// ExitProgramming removes power and high voltage from the target. It must
// run at the end of every session, on every path, so the target is never
// left in an undefined electrical state.
func (p *Programmer) ExitProgramming() error {
	p.log("Exiting programming mode")

	p.out(p.pins.SCI, gpio.Low)
	p.out(p.pins.VCC, gpio.Low)
	p.out(p.pins.RST, gpio.High) // 12V off

	return p.takeErr()
}
