// Package progopen builds a ready-to-use programmer from a wiring path
// string, hiding the platform details from the command line front end.
package progopen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bWildered1/ATtiny-HighVoltageProgrammer-FuseEraser/hvsp"
	"github.com/bWildered1/ATtiny-HighVoltageProgrammer-FuseEraser/hvsp/progopen/buspirate"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Default platform pins, matching the documented Raspberry Pi header layout
// for the recovery circuit. Order: SCI, SDI, SII, SDO, RST, VCC.
var defaultPlatformPins = [6]string{"GPIO17", "GPIO27", "GPIO22", "GPIO23", "GPIO24", "GPIO25"}

const (
	defaultBusPirateDevice = "/dev/ttyUSB0"
	defaultBusPirateBaud   = 115200
)

// OpenPlatform wires a programmer to the host's own GPIO pins.
func OpenPlatform(pinNames [6]string, readyTimeout time.Duration, logFunc hvsp.LogFunc) (*hvsp.Programmer, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %v", err)
	}

	var pins [6]gpio.PinIO
	for i, name := range pinNames {
		if pins[i] = gpioreg.ByName(name); pins[i] == nil {
			return nil, fmt.Errorf("gpio %q not found", name)
		}
	}

	prog, err := hvsp.New(hvsp.Config{
		Pins: hvsp.Pins{
			SCI: pins[0],
			SDI: pins[1],
			SII: pins[2],
			SDO: pins[3],
			RST: pins[4],
			VCC: pins[5],
		},
		ReadyTimeout: readyTimeout,
		Log:          logFunc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure programmer: %v", err)
	}

	return prog, nil
}

// OpenBusPirate wires a programmer to a Bus Pirate in bitbang mode. The
// line mapping is fixed: CLK carries SCI, MOSI carries SDI, CS carries SII,
// MISO reads SDO, AUX drives the 12V switch and the on-board supply powers
// the target.
func OpenBusPirate(device string, baud int, readyTimeout time.Duration, logFunc hvsp.LogFunc) (*hvsp.Programmer, func() error, error) {
	adapter, err := buspirate.Open(device, baud)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bus pirate: %v", err)
	}

	prog, err := hvsp.New(hvsp.Config{
		Pins: hvsp.Pins{
			SCI: adapter.CLK,
			SDI: adapter.MOSI,
			SII: adapter.CS,
			SDO: adapter.MISO,
			RST: adapter.AUX,
			VCC: adapter.Power,
		},
		ReadyTimeout: readyTimeout,
		Log:          logFunc,
	})
	if err != nil {
		adapter.Close()
		return nil, nil, fmt.Errorf("failed to configure programmer: %v", err)
	}

	return prog, adapter.Close, nil
}

func getPart(parts []string, index int, def string) string {
	if index >= len(parts) || parts[index] == "" {
		return def
	}
	return parts[index]
}

// Open parses a wiring path and returns the programmer plus a close
// function releasing whatever the wiring holds open.
//
// Supported paths:
//
//	platform[:SCI[:SDI[:SII[:SDO[:RST[:VCC]]]]]]
//	buspirate[:device[:baud]]
func Open(path string, readyTimeout time.Duration, logFunc hvsp.LogFunc) (*hvsp.Programmer, func() error, error) {
	parts := strings.Split(path, ":")

	switch parts[0] {
	case "platform":
		pinNames := defaultPlatformPins
		for i := range pinNames {
			pinNames[i] = getPart(parts, i+1, pinNames[i])
		}

		prog, err := OpenPlatform(pinNames, readyTimeout, logFunc)
		if err != nil {
			return nil, nil, err
		}
		return prog, func() error { return nil }, nil

	case "buspirate":
		device := getPart(parts, 1, defaultBusPirateDevice)
		baud, err := strconv.Atoi(getPart(parts, 2, strconv.Itoa(defaultBusPirateBaud)))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid baud rate: %v", err)
		}
		return OpenBusPirate(device, baud, readyTimeout, logFunc)
	}

	return nil, nil, errors.New("device type not supported, use 'platform' or 'buspirate'")
}
