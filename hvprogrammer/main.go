// Command hvprogrammer recovers ATtiny microcontrollers over high-voltage
// serial programming: it reads the signature, fuses and lock bits, and can
// erase the chip or restore the factory fuse values.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bWildered1/ATtiny-HighVoltageProgrammer-FuseEraser/hvsp"
	"github.com/bWildered1/ATtiny-HighVoltageProgrammer-FuseEraser/hvsp/progopen"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

func main() {
	device := flag.String("device", "platform", "Wiring path: 'platform[:SCI:SDI:SII:SDO:RST:VCC]' or 'buspirate[:device[:baud]]'")
	command := flag.String("command", "", "Run one command and exit: 'read', 'erase' or 'write'")
	buttonName := flag.String("button", "", "GPIO name of a trigger button starting a fuse restore")
	ledName := flag.String("led", "", "GPIO name of a status LED")
	timeout := flag.Duration("timeout", hvsp.DefaultReadyTimeout, "Per-frame target ready timeout")
	permissive := flag.Bool("permissive", false, "Treat any unknown console command as 'write'")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")

	flag.Parse()

	logOut := hvsp.LogFunc(log.Printf)
	if !*verbose {
		logOut = nil
	}

	var oneShot hvsp.Intent
	if *command != "" {
		var err error
		if oneShot, err = hvsp.ParseIntent(*command); err != nil {
			log.Fatalln(err)
		}
	}

	prog, closeProg, err := progopen.Open(*device, *timeout, logOut)
	if err != nil {
		log.Fatalln("Failed to open programmer:", err)
	}
	defer closeProg()

	if *ledName != "" || *buttonName != "" {
		if _, err := host.Init(); err != nil {
			log.Fatalln("Failed to initialize gpio:", err)
		}
	}

	var led gpio.PinOut
	if *ledName != "" {
		if led = gpioreg.ByName(*ledName); led == nil {
			log.Fatalf("Status LED gpio '%s' not found", *ledName)
		}
		led.Out(gpio.Low)
	}

	var button gpio.PinIn
	if *buttonName != "" {
		pin := gpioreg.ByName(*buttonName)
		if pin == nil {
			log.Fatalf("Button gpio '%s' not found", *buttonName)
		}
		if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			log.Fatalln("Failed to configure button:", err)
		}
		button = pin
	}

	var onState func(hvsp.State)
	if *verbose {
		onState = func(st hvsp.State) {
			log.Println(" -> Session state:", st)
		}
	}

	session := hvsp.NewSession(prog, hvsp.SessionConfig{
		OnState: onState,
		Log:     logOut,
	})

	runOne := func(intent hvsp.Intent) {
		if led != nil {
			led.Out(gpio.High)
		}

		rep, err := session.Run(intent)

		if led != nil {
			led.Out(gpio.Low)
		}

		if err != nil {
			log.Println("Session failed:", err)
			return
		}
		printReport(os.Stdout, rep)
	}

	if *command != "" {
		runOne(oneShot)
		return
	}

	closeChan := make(chan os.Signal, 1)
	signal.Notify(closeChan, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	presses := make(chan struct{}, 1)
	if button != nil {
		go func() {
			for {
				if button.WaitForEdge(time.Second) {
					select {
					case presses <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	for {
		if onState != nil {
			onState(hvsp.StateAwaitingCommand)
		}
		printMenu(button != nil)

		select {
		case <-closeChan:
			log.Println("Interrupted")
			return

		case line, ok := <-lines:
			if !ok {
				return
			}
			token := strings.TrimSpace(line)
			if token == "" {
				continue
			}

			intent, err := hvsp.ParseIntent(token)
			if err != nil {
				if !*permissive {
					log.Println(err)
					continue
				}
				intent = hvsp.IntentWriteDefaults
			}
			runOne(intent)

		case <-presses:
			log.Println("Button pressed, restoring default fuses")
			runOne(hvsp.IntentWriteDefaults)
		}
	}
}

func printMenu(hasButton bool) {
	fmt.Println()
	fmt.Println("Supported targets:", supportedTargets())
	fmt.Println("Insert the target chip, then enter a command:")
	fmt.Println("  r  read signature, fuses and lock bits")
	fmt.Println("  e  erase chip (clears flash and resets lock bits)")
	fmt.Println("  w  write default fuses")
	if hasButton {
		fmt.Println("The button also starts a default fuse restore.")
	}
}

func supportedTargets() string {
	var names []string
	for _, v := range hvsp.Variants() {
		names = append(names, v.Name)
	}
	return strings.Join(names, ", ")
}

func printReport(w io.Writer, rep *hvsp.Report) {
	fmt.Fprintf(w, "Signature: %s", rep.Signature)
	if rep.Recognized {
		fmt.Fprintf(w, " (%s)\n", rep.Variant.Name)
	} else {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "No supported target matches this signature! Check the wiring and try again.")
	}

	printChipState(w, "Current", rep.Before)

	if rep.Erased {
		fmt.Fprintln(w, "Chip erased; program memory cleared and lock bits reset.")
	}
	for _, fw := range rep.FusesWritten {
		fmt.Fprintf(w, "Wrote %s = 0x%02X\n", fw.Address, fw.Value)
	}

	if rep.After != nil {
		printChipState(w, "Post-operation", *rep.After)
	}

	if rep.TimedOut {
		fmt.Fprintln(w, "Warning: the target was slow to respond, the values above may be unreliable.")
	}
}

func printChipState(w io.Writer, label string, st hvsp.ChipState) {
	fmt.Fprintf(w, "%s fuses: lfuse=0x%02X hfuse=0x%02X efuse=0x%02X\n",
		label, st.Fuses.Low, st.Fuses.High, st.Fuses.Extended)
	fmt.Fprintf(w, "%s lock byte: 0x%02X (LB1 %s, LB2 %s)\n",
		label, st.Lock.Raw, lockState(st.Lock.LB1Programmed()), lockState(st.Lock.LB2Programmed()))
}

func lockState(programmed bool) string {
	if programmed {
		return "programmed"
	}
	return "not programmed"
}
