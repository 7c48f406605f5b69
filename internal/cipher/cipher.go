// Package cipher implements the tunnel's symmetric stream cipher: a
// 64-bit-block CFB-style cipher with an 8-byte IV and a running keystream
// position that persists across calls, so that splitting a send into
// several short Encrypt calls produces the same ciphertext as a single
// call over the concatenated bytes. Blowfish is the only 64-bit-block
// cipher available anywhere in the example pack (golang.org/x/crypto,
// pulled in transitively by several of the retrieved repos) and is the
// exact algorithm the contract was modeled on, so it is used directly
// instead of reaching for a 128-bit-block cipher like AES, which would
// need a doubled IV to keep the same framing.
package cipher

import (
	"crypto/cipher"
	"math/rand"

	"golang.org/x/crypto/blowfish"
)

// IVSize is the width of the running IV/keystream register.
const IVSize = 8

// IVec is a per-direction initialization vector.
type IVec [IVSize]byte

// RandomReset fills iv with pseudo-random bytes. This is not
// cryptographically strong randomness — the handshake only needs IVs that
// are unlikely to repeat across sessions, not unpredictable to an
// adversary, so math/rand's package-level source (auto-seeded) is
// sufficient.
func (iv *IVec) RandomReset() {
	_, _ = rand.Read(iv[:])
}

type direction int

const (
	directionEncrypt direction = iota
	directionDecrypt
)

// cryptor holds the pieces shared by Encryptor and Decryptor: the
// keyed block cipher (fixed for the object's lifetime) and the CFB
// stream derived from the current IV (rebuilt whenever SetIVec runs).
type cryptor struct {
	block  *blowfish.Cipher
	dir    direction
	ivec   IVec
	stream cipher.Stream
}

func newCryptor(key []byte, dir direction) (*cryptor, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	c := &cryptor{block: block, dir: dir}
	c.rebuildStream()
	return c, nil
}

func (c *cryptor) rebuildStream() {
	if c.dir == directionEncrypt {
		c.stream = cipher.NewCFBEncrypter(c.block, c.ivec[:])
	} else {
		c.stream = cipher.NewCFBDecrypter(c.block, c.ivec[:])
	}
}

// setIVec installs a new IV and resets the keystream position to its
// start, exactly as SetIVec on the original Cryptor zeroed its running
// counter.
func (c *cryptor) setIVec(iv IVec) {
	c.ivec = iv
	c.rebuildStream()
}

func (c *cryptor) crypt(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	c.stream.XORKeyStream(out, in)
	return out
}

// Encryptor turns plaintext into ciphertext. Its key is fixed at
// construction; call SetIVec once the per-session IV has been negotiated.
type Encryptor struct{ c *cryptor }

// NewEncryptor builds an Encryptor from a raw key of 1 to 56 bytes (the
// Blowfish key range); an empty or longer key returns an error.
func NewEncryptor(key []byte) (*Encryptor, error) {
	c, err := newCryptor(key, directionEncrypt)
	if err != nil {
		return nil, err
	}
	return &Encryptor{c: c}, nil
}

// SetIVec installs iv and resets the keystream to its start.
func (e *Encryptor) SetIVec(iv IVec) { e.c.setIVec(iv) }

// Encrypt returns a freshly allocated ciphertext the same length as data.
// Calling Encrypt repeatedly continues the same keystream, so
// Encrypt(a)+Encrypt(b) equals Encrypt(a+b).
func (e *Encryptor) Encrypt(data []byte) []byte { return e.c.crypt(data) }

// Decryptor turns ciphertext back into plaintext, mirroring Encryptor.
type Decryptor struct{ c *cryptor }

// NewDecryptor builds a Decryptor from a raw key of 1 to 56 bytes; an
// empty or longer key returns an error.
func NewDecryptor(key []byte) (*Decryptor, error) {
	c, err := newCryptor(key, directionDecrypt)
	if err != nil {
		return nil, err
	}
	return &Decryptor{c: c}, nil
}

// SetIVec installs iv and resets the keystream to its start.
func (d *Decryptor) SetIVec(iv IVec) { d.c.setIVec(iv) }

// Decrypt returns a freshly allocated plaintext the same length as data.
func (d *Decryptor) Decrypt(data []byte) []byte { return d.c.crypt(data) }
