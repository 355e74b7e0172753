package hvsp

// step is one (value, instruction) frame of a programming sequence.
type step struct {
	value       byte
	instruction byte
}

// Instruction sequences of the target's high-voltage programming command
// set. The byte values are fixed by the silicon and must match the HVSP
// instruction table in the ATtiny datasheets.
var (
	readLFuseSequence = []step{{0x04, 0x4C}, {0x00, 0x68}, {0x00, 0x6C}}
	readHFuseSequence = []step{{0x04, 0x4C}, {0x00, 0x7A}, {0x00, 0x7E}}
	readEFuseSequence = []step{{0x04, 0x4C}, {0x00, 0x6A}, {0x00, 0x6E}}
	readLockSequence  = []step{{0x04, 0x4C}, {0x00, 0x78}, {0x00, 0x7C}}
	chipEraseSequence = []step{{0x80, 0x4C}, {0x00, 0x64}, {0x00, 0x6C}}
)

// signatureSequence reads signature byte i. The identification uses bytes 1
// and 2 of the three-byte device signature.
func signatureSequence(i byte) []step {
	return []step{{0x08, 0x4C}, {i, 0x0C}, {0x00, 0x68}, {0x00, 0x6C}}
}

// writeFuseSequence programs value into the fuse selected by addr. The two
// halves of the fuse address select the fuse byte and latch the write.
func writeFuseSequence(addr FuseAddress, value byte) []step {
	return []step{{0x40, 0x4C}, {value, 0x2C}, {0x00, byte(addr>>8)}, {0x00, byte(addr)}}
}

// run shifts a whole sequence and returns the final frame's response
// together with the OR of the per-frame timeout flags.
func (p *Programmer) run(seq []step) (byte, bool) {
	var value byte
	var timedOut bool

	for _, s := range seq {
		var t bool
		value, t = p.transfer(s.value, s.instruction)
		timedOut = timedOut || t
	}

	return value, timedOut
}
