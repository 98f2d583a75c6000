package vm

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// Prng is a deterministic-on-seed RC4-style byte stream, used by NewRecno
// for rowid selection and by temp-object naming.
// Seeding with the same value always reproduces the same rowid sequence,
// which is what lets the test suite diff output byte-for-byte across
// runs.
type Prng struct {
	s    [256]byte
	i, j byte
}

// NewPrng builds an RC4-style keystream generator seeded with key. An
// empty or nil key seeds from the OS CSPRNG instead.
func NewPrng(key []byte) *Prng {
	p := &Prng{}
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	for i := 0; i < 256; i++ {
		p.s[i] = byte(i)
	}
	var j byte
	for i := 0; i < 256; i++ {
		j = j + p.s[i] + key[i%len(key)]
		p.s[i], p.s[j] = p.s[j], p.s[i]
	}
	return p
}

// Byte returns the next keystream byte.
func (p *Prng) Byte() byte {
	p.i++
	p.j += p.s[p.i]
	p.s[p.i], p.s[p.j] = p.s[p.j], p.s[p.i]
	return p.s[byte(p.s[p.i]+p.s[p.j])]
}

// Int32 returns a 32-bit value drawn from the keystream.
func (p *Prng) Int32() int32 {
	var buf [4]byte
	for i := range buf {
		buf[i] = p.Byte()
	}
	return int32(binary.BigEndian.Uint32(buf[:]))
}

// namer picks names for temp objects: PRNG-derived when running
// deterministically, UUIDs otherwise.
type namer struct {
	prng   *Prng
	seeded bool
}

// NewNamer builds a temp-object namer. When the PRNG is running in
// deterministic (explicitly seeded) mode, names are derived from its
// keystream so repeated runs with the same seed produce the same temp
// names; otherwise each name is a fresh UUID, since a random keystream
// offers no reproducibility benefit worth the extra code path.
func NewNamer(prng *Prng, seeded bool) *namer {
	return &namer{prng: prng, seeded: seeded}
}

// TempName returns a name for an OpenTemp cursor opened without one; the
// name only labels the cursor in traces.
func (n *namer) TempName(prefix string) string {
	if n.seeded {
		var buf [8]byte
		for i := range buf {
			buf[i] = n.prng.Byte()
		}
		return prefix + "-" + hexString(buf[:])
	}
	return prefix + "-" + uuid.NewString()
}

func hexString(b []byte) string {
	const hexd = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexd[c>>4]
		out[i*2+1] = hexd[c&0xf]
	}
	return string(out)
}
