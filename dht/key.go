package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

// KeySize is the length of a DHT identifier in bytes.
const KeySize = 20

// KeyBits is the length of a DHT identifier in bits.
const KeyBits = KeySize * 8

// ErrInvalidKeyLength is returned when a byte slice cannot be turned into a Key.
var ErrInvalidKeyLength = errors.New("invalid key length")

// Key is a 160-bit identifier used for both node ids and info-hashes.
// Keys compare as unsigned big-endian integers.
type Key [KeySize]byte

// MinKey returns the all-zero key.
func MinKey() Key {
	return Key{}
}

// MaxKey returns the all-ones key.
func MaxKey() Key {
	var k Key
	for i := range k {
		k[i] = 0xFF
	}
	return k
}

// RandomKey returns a uniformly random key.
func RandomKey() Key {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("dht: reading random key: %v", err))
	}
	return k
}

// KeyFromBytes copies b into a Key. b must be exactly KeySize bytes long.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromHex parses a 40 character hex string.
func KeyFromHex(s string) (Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding hex key: %w", err)
	}
	return KeyFromBytes(raw)
}

// String returns the hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns a copy of the key as a byte slice.
func (k Key) Bytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k[:])
	return b
}

// IsZero reports whether every bit of the key is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Cmp compares two keys as unsigned big-endian integers.
func (k Key) Cmp(o Key) int {
	return bytes.Compare(k[:], o[:])
}

// Less reports whether k < o.
func (k Key) Less(o Key) bool { return k.Cmp(o) < 0 }

// LessOrEqual reports whether k <= o.
func (k Key) LessOrEqual(o Key) bool { return k.Cmp(o) <= 0 }

// Greater reports whether k > o.
func (k Key) Greater(o Key) bool { return k.Cmp(o) > 0 }

// GreaterOrEqual reports whether k >= o.
func (k Key) GreaterOrEqual(o Key) bool { return k.Cmp(o) >= 0 }

// Distance returns the XOR distance between a and b.
func Distance(a, b Key) Key {
	var d Key
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// words splits the key into five big-endian 32-bit words.
func (k Key) words() [5]uint32 {
	var w [5]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(k[i*4:])
	}
	return w
}

func keyFromWords(w [5]uint32) Key {
	var k Key
	for i := range w {
		binary.BigEndian.PutUint32(k[i*4:], w[i])
	}
	return k
}

// Add returns a + b modulo 2^160.
func Add(a, b Key) Key {
	aw, bw := a.words(), b.words()
	var r [5]uint32
	var carry uint32
	for i := 4; i >= 0; i-- {
		r[i], carry = bits.Add32(aw[i], bw[i], carry)
	}
	return keyFromWords(r)
}

// AddUint8 returns a + v modulo 2^160.
func AddUint8(a Key, v uint8) Key {
	var b Key
	b[KeySize-1] = v
	return Add(a, b)
}

// Sub returns a - b modulo 2^160.
func Sub(a, b Key) Key {
	aw, bw := a.words(), b.words()
	var r [5]uint32
	var borrow uint32
	for i := 4; i >= 0; i-- {
		r[i], borrow = bits.Sub32(aw[i], bw[i], borrow)
	}
	return keyFromWords(r)
}

// Div returns k / v, truncated. v must be positive.
func (k Key) Div(v uint32) Key {
	w := k.words()
	var r [5]uint32
	var rem uint32
	for i := 0; i < 5; i++ {
		r[i], rem = bits.Div32(rem, w[i], v)
	}
	return keyFromWords(r)
}

// Mid returns the midpoint between a and b, rounded towards the smaller key.
func Mid(a, b Key) Key {
	if a.LessOrEqual(b) {
		return Add(a, Sub(b, a).Div(2))
	}
	return Add(b, Sub(a, b).Div(2))
}

// BucketIndex returns 160 minus the position of the highest set bit of
// Distance(id, own), i.e. the length of the common prefix of id and own.
// It returns -1 when id equals own.
func BucketIndex(id, own Key) int {
	d := Distance(id, own)
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return -1
}

// RandomKeyInBucket returns a random key sharing exactly the first index bits
// with own, so that BucketIndex(result, own) == index.
func RandomKeyInBucket(own Key, index int) Key {
	if index < 0 || index >= KeyBits {
		return own
	}
	r := RandomKey()
	for i := 0; i < index; i++ {
		setBit(&r, i, bit(own, i))
	}
	setBit(&r, index, bit(own, index)^1)
	return r
}

func bit(k Key, i int) byte {
	return (k[i/8] >> (7 - uint(i%8))) & 1
}

func setBit(k *Key, i int, v byte) {
	mask := byte(1) << (7 - uint(i%8))
	if v == 0 {
		k[i/8] &^= mask
	} else {
		k[i/8] |= mask
	}
}
