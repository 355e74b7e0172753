package hvsp

import "fmt"

// FuseAddress selects which fuse byte a write programs. The values are the
// 16-bit instruction encodings the write sequence splits into high and low
// halves; they are not memory addresses.
type FuseAddress uint16

const (
	LFuseAddress FuseAddress = 0x646C
	HFuseAddress FuseAddress = 0x747C
	EFuseAddress FuseAddress = 0x666E
)

func (a FuseAddress) String() string {
	switch a {
	case LFuseAddress:
		return "lfuse"
	case HFuseAddress:
		return "hfuse"
	case EFuseAddress:
		return "efuse"
	}

	return fmt.Sprintf("fuse(0x%04X)", uint16(a))
}

// SignatureReading is the result of a signature read. TimedOut reports that
// the target was slow to answer somewhere in the sequence; the value is
// then best effort.
type SignatureReading struct {
	Signature Signature
	TimedOut  bool
}

// FuseReading holds the three fuse bytes. Targets without an extended fuse
// return an unspecified Extended value.
type FuseReading struct {
	Low      byte
	High     byte
	Extended byte
	TimedOut bool
}

// LockReading holds the raw lock byte. The lock bits are active low: a
// cleared bit means the corresponding lock is programmed.
type LockReading struct {
	Raw      byte
	TimedOut bool
}

func (l LockReading) LB1Programmed() bool {
	return l.Raw&0x01 == 0
}

func (l LockReading) LB2Programmed() bool {
	return l.Raw&0x02 == 0
}

// ReadSignature reads signature bytes 1 and 2 and composes the device
// signature as (byte1 << 8) | byte2.
func (p *Programmer) ReadSignature() (SignatureReading, error) {
	b1, t1 := p.run(signatureSequence(1))
	b2, t2 := p.run(signatureSequence(2))

	sig := Signature(uint16(b1)<<8 | uint16(b2))

	r := SignatureReading{
		Signature: sig,
		TimedOut:  t1 || t2,
	}

	p.log("Signature: %s", r.Signature)

	return r, p.takeErr()
}

// ReadFuses reads the low, high and extended fuse bytes, in that order.
func (p *Programmer) ReadFuses() (FuseReading, error) {
	var r FuseReading
	var t1, t2, t3 bool

	r.Low, t1 = p.run(readLFuseSequence)
	r.High, t2 = p.run(readHFuseSequence)
	r.Extended, t3 = p.run(readEFuseSequence)
	r.TimedOut = t1 || t2 || t3

	p.log("Fuses: lfuse=0x%02X hfuse=0x%02X efuse=0x%02X", r.Low, r.High, r.Extended)

	return r, p.takeErr()
}

// ReadLockBits reads the lock byte and waits for the target to settle
// before the next operation.
func (p *Programmer) ReadLockBits() (LockReading, error) {
	var r LockReading

	r.Raw, r.TimedOut = p.run(readLockSequence)
	if p.waitReady() {
		r.TimedOut = true
	}

	p.log("Lock byte: 0x%02X", r.Raw)

	return r, p.takeErr()
}

// WriteFuse programs value into the fuse byte selected by addr. The target
// gives no confirmation; callers verify by reading the fuses back.
func (p *Programmer) WriteFuse(addr FuseAddress, value byte) (bool, error) {
	p.log("Writing %s = 0x%02X", addr, value)

	_, timedOut := p.run(writeFuseSequence(addr, value))

	return timedOut, p.takeErr()
}

// EraseChip clears the program memory, which also resets the lock bits to
// their unlocked default. It waits for the erase to finish before
// returning.
func (p *Programmer) EraseChip() (bool, error) {
	p.log("Erasing chip")

	_, timedOut := p.run(chipEraseSequence)
	if p.waitReady() {
		timedOut = true
	}

	return timedOut, p.takeErr()
}
