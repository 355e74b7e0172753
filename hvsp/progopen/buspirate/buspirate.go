// Package buspirate drives a Bus Pirate in binary bitbang mode and exposes
// its I/O lines as periph.io gpio pins. Every pin update costs one serial
// round trip, which makes it a slow programmer, but HVSP has no minimum
// clock rate so recovery still works on any target.
//
// Protocol reference: http://dangerousprototypes.com/docs/Bitbang
package buspirate

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Binary bitbang command bytes.
const (
	cmdEnterBitbang byte = 0x00 // answered with the BBIO1 banner
	cmdResetDevice  byte = 0x0F // leaves binary mode
	cmdPinUpdate    byte = 0x80 // 1xxxxxxx, low bits carry the pin levels
	cmdDirUpdate    byte = 0x40 // 010xxxxx, 1 = input
)

// Bit positions of the lines within the update commands.
const (
	bitPower  byte = 1 << 6
	bitPullup byte = 1 << 5
	bitAUX    byte = 1 << 4
	bitMOSI   byte = 1 << 3
	bitCLK    byte = 1 << 2
	bitMISO   byte = 1 << 1
	bitCS     byte = 1 << 0
)

const bitbangBanner = "BBIO1"

const enterAttempts = 20

// Adapter is an open Bus Pirate in bitbang mode. The exported pins satisfy
// gpio.PinIO; Power switches the on-board supply rather than an I/O line
// and cannot be an input.
type Adapter struct {
	port serial.Port

	levels byte // commanded output levels plus the power and pullup bits
	inputs byte // direction mask over the five I/O lines, 1 = input

	AUX   gpio.PinIO
	MOSI  gpio.PinIO
	CLK   gpio.PinIO
	MISO  gpio.PinIO
	CS    gpio.PinIO
	Power gpio.PinIO
}

// Open opens the serial device and switches the Bus Pirate into bitbang
// mode with all lines low, MISO as input and the supply off.
func Open(device string, baud int) (*Adapter, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %v", device, err)
	}

	a, err := NewFromPort(port)
	if err != nil {
		port.Close()
		return nil, err
	}

	return a, nil
}

// NewFromPort runs the bitbang handshake over an already open port.
func NewFromPort(port serial.Port) (*Adapter, error) {
	a := &Adapter{port: port}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		return nil, err
	}

	if err := a.enterBitbang(); err != nil {
		return nil, err
	}

	a.AUX = &Pin{a: a, name: "AUX", num: 4, bit: bitAUX, canIn: true}
	a.MOSI = &Pin{a: a, name: "MOSI", num: 3, bit: bitMOSI, canIn: true}
	a.CLK = &Pin{a: a, name: "CLK", num: 2, bit: bitCLK, canIn: true}
	a.MISO = &Pin{a: a, name: "MISO", num: 1, bit: bitMISO, canIn: true}
	a.CS = &Pin{a: a, name: "CS", num: 0, bit: bitCS, canIn: true}
	a.Power = &Pin{a: a, name: "POWER", num: 6, bit: bitPower}

	a.inputs = bitMISO
	if err := a.writeDirections(); err != nil {
		return nil, err
	}

	a.levels = 0
	if err := a.writeLevels(); err != nil {
		return nil, err
	}

	return a, nil
}

// enterBitbang sends reset bytes until the device answers with its banner.
// Replies from earlier commands may still be buffered, so the banner is
// matched against a rolling window.
func (a *Adapter) enterBitbang() error {
	var window []byte

	for try := 0; try < enterAttempts; try++ {
		if _, err := a.port.Write([]byte{cmdEnterBitbang}); err != nil {
			return fmt.Errorf("entering bitbang mode: %v", err)
		}

		buf := make([]byte, 16)
		n, err := a.port.Read(buf)
		if err != nil {
			return fmt.Errorf("entering bitbang mode: %v", err)
		}

		window = append(window, buf[:n]...)
		if len(window) > 4*len(bitbangBanner) {
			window = window[len(window)-4*len(bitbangBanner):]
		}

		if bytes.HasSuffix(window, []byte(bitbangBanner)) {
			return nil
		}
	}

	return errors.New("bus pirate did not enter bitbang mode")
}

// command sends one byte and returns the single status byte the Bus Pirate
// answers with.
func (a *Adapter) command(b byte) (byte, error) {
	if _, err := a.port.Write([]byte{b}); err != nil {
		return 0, err
	}

	var reply [1]byte
	deadline := time.Now().Add(time.Second)
	for {
		n, err := a.port.Read(reply[:])
		if err != nil {
			return 0, err
		}
		if n == 1 {
			return reply[0], nil
		}
		if !time.Now().Before(deadline) {
			return 0, errors.New("no reply from bus pirate")
		}
	}
}

func (a *Adapter) writeLevels() error {
	_, err := a.command(cmdPinUpdate | a.levels&0x7F)
	return err
}

func (a *Adapter) writeDirections() error {
	_, err := a.command(cmdDirUpdate | a.inputs&0x1F)
	return err
}

// readPins resends the commanded levels; the reply carries the live state
// of all lines, inputs included.
func (a *Adapter) readPins() (byte, error) {
	return a.command(cmdPinUpdate | a.levels&0x7F)
}

// Close drops the supply, resets the Bus Pirate back to its terminal and
// closes the port.
func (a *Adapter) Close() error {
	a.levels = 0
	a.writeLevels()
	a.port.Write([]byte{cmdResetDevice})

	return a.port.Close()
}

// Pin is a single Bus Pirate line.
type Pin struct {
	a     *Adapter
	name  string
	num   int
	bit   byte
	canIn bool
}

var _ gpio.PinIO = &Pin{}

func (p *Pin) Name() string   { return p.name }
func (p *Pin) Number() int    { return p.num }
func (p *Pin) String() string { return fmt.Sprintf("%s(%d)", p.name, p.num) }
func (p *Pin) Halt() error    { return nil }

func (p *Pin) Function() string {
	if p.a.inputs&p.bit != 0 {
		return "In"
	}
	return "Out"
}

// In makes the line an input. gpio.PullUp enables the Bus Pirate's shared
// pullup supply; there is no per-pin pull.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if !p.canIn {
		return fmt.Errorf("%s cannot be an input", p.name)
	}

	if pull == gpio.PullUp && p.a.levels&bitPullup == 0 {
		p.a.levels |= bitPullup
		if err := p.a.writeLevels(); err != nil {
			return err
		}
	}

	if p.a.inputs&p.bit != 0 {
		return nil
	}

	p.a.inputs |= p.bit
	return p.a.writeDirections()
}

func (p *Pin) Read() gpio.Level {
	state, err := p.a.readPins()
	if err != nil {
		return gpio.Low
	}
	return gpio.Level(state&p.bit != 0)
}

// WaitForEdge polls the line; bitbang mode has no edge reporting. A
// negative timeout waits forever.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	last := p.Read()

	for timeout < 0 || time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		if now := p.Read(); now != last {
			return true
		}
	}

	return false
}

func (p *Pin) Pull() gpio.Pull {
	if p.a.levels&bitPullup != 0 {
		return gpio.PullUp
	}
	return gpio.Float
}

func (p *Pin) DefaultPull() gpio.Pull { return gpio.Float }

// Out drives the line, switching it back to an output first if needed.
func (p *Pin) Out(l gpio.Level) error {
	if p.a.inputs&p.bit != 0 {
		p.a.inputs &^= p.bit
		if err := p.a.writeDirections(); err != nil {
			return err
		}
	}

	if l == gpio.High {
		p.a.levels |= p.bit
	} else {
		p.a.levels &^= p.bit
	}

	return p.a.writeLevels()
}

func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errors.New("PWM is not supported in bitbang mode")
}
