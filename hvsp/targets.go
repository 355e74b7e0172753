package hvsp

import "fmt"

// Signature is the two-byte device identifier read over HVSP, composed as
// (byte1 << 8) | byte2 from two successive signature reads.
type Signature uint16

func (s Signature) String() string {
	return fmt.Sprintf("0x%04X", uint16(s))
}

// FuseDefaults holds the factory fuse values written during a restore.
// Smaller parts have no extended fuse byte; HasExtended marks the rest.
type FuseDefaults struct {
	Low  byte
	High byte

	Extended    byte
	HasExtended bool
}

// Variant describes one supported target chip.
type Variant struct {
	Name      string
	Signature Signature
	Defaults  FuseDefaults
}

// Supported targets and their factory fuse values. Extending support means
// adding a row here.
var variants = []Variant{
	{Name: "ATtiny13", Signature: 0x9007, Defaults: FuseDefaults{Low: 0x6A, High: 0xFF}},
	{Name: "ATtiny24", Signature: 0x910B, Defaults: FuseDefaults{Low: 0x62, High: 0xDF, Extended: 0xFF, HasExtended: true}},
	{Name: "ATtiny25", Signature: 0x9108, Defaults: FuseDefaults{Low: 0x62, High: 0xDF, Extended: 0xFF, HasExtended: true}},
	{Name: "ATtiny44", Signature: 0x9207, Defaults: FuseDefaults{Low: 0x62, High: 0xDF, Extended: 0xFF, HasExtended: true}},
	{Name: "ATtiny45", Signature: 0x9206, Defaults: FuseDefaults{Low: 0x62, High: 0xDF, Extended: 0xFF, HasExtended: true}},
	{Name: "ATtiny84", Signature: 0x930C, Defaults: FuseDefaults{Low: 0x62, High: 0xDF, Extended: 0xFF, HasExtended: true}},
	{Name: "ATtiny85", Signature: 0x930B, Defaults: FuseDefaults{Low: 0x62, High: 0xDF, Extended: 0xFF, HasExtended: true}},
}

// LookupVariant returns the supported target matching sig, if any.
func LookupVariant(sig Signature) (Variant, bool) {
	for _, v := range variants {
		if v.Signature == sig {
			return v, true
		}
	}

	return Variant{}, false
}

// Variants lists the supported targets.
func Variants() []Variant {
	return append([]Variant(nil), variants...)
}
