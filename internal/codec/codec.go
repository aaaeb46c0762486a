// Package codec implements the bidirectional authenticated-encryption
// framing layer that carries all traffic between a local and a remote
// sockstun proxy.
//
// Each direction of a session owns one Codec. A Codec starts from the
// pre-shared key supplied at startup and, on every successful frame,
// ratchets its current key forward to the KEY_NEXT value embedded in
// that frame by the sender — a one-step forward-secrecy ratchet. No
// state is shared between directions or between the encode and decode
// sides of a Codec beyond the single current key, so a Codec is safe
// for use by exactly one goroutine at a time; the mutex below guards
// against accidental concurrent use, not intentional sharing.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// KeySize is the length in bytes of an AES-256 key, the pre-shared
	// key, and every KEY_NEXT value embedded in a frame.
	KeySize = 32

	// IVSize is the length in bytes of the AES-256-GCM nonce.
	IVSize = 12

	// TagSize is the length in bytes of the GCM authentication tag.
	TagSize = 16

	// AADSize is the length in bytes of the random associated data
	// mixed into every frame's authenticator.
	AADSize = 16

	// lenFieldSize is the width in bytes of the big-endian ciphertext
	// length field.
	lenFieldSize = 8

	// HeaderSize is the number of bytes preceding the ciphertext in
	// every frame: IV || TAG || AAD || BODY_LEN.
	HeaderSize = IVSize + TagSize + AADSize + lenFieldSize

	// MaxBodySize bounds the ciphertext length a Decode call will
	// allocate for. It is not part of the wire contract; it exists so
	// a corrupted or adversarial BODY_LEN field cannot force an
	// unbounded allocation before authentication is checked.
	MaxBodySize = 16 << 20 // 16 MiB
)

// ErrAuthenticationFailed is returned when a frame fails GCM
// authentication — a forged or corrupted IV, TAG, AAD, or ciphertext.
var ErrAuthenticationFailed = errors.New("codec: authentication failed")

// ErrFrameTooLarge is returned when a frame's BODY_LEN exceeds MaxBodySize.
var ErrFrameTooLarge = errors.New("codec: frame body exceeds maximum size")

// ErrShortPlaintext is returned when a decrypted frame is too short to
// contain the embedded KEY_NEXT.
var ErrShortPlaintext = errors.New("codec: decrypted frame shorter than a key")

// Codec owns the current key for one direction of one session and knows
// how to encode payloads into frames and decode frames back into
// payloads, ratcheting the key forward on every successful operation.
type Codec struct {
	mu  sync.Mutex
	key [KeySize]byte
}

// New returns a Codec seeded with the given key. The caller retains
// ownership of key; New copies it. Per the protocol, both directions of
// a fresh session start from the same pre-shared key, used exactly once
// each before ratcheting away from it.
func New(key [KeySize]byte) *Codec {
	return &Codec{key: key}
}

// Key returns a copy of the current key. Intended for tests.
func (c *Codec) Key() [KeySize]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Zero overwrites the current key with zeroes. Call this once a session
// using this Codec is torn down.
func (c *Codec) Zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	zero(c.key[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncodeFrame encrypts payload under the current key and writes the
// resulting frame to w in a single logical write. On success it
// replaces the current key with the freshly generated KEY_NEXT.
func (c *Codec) EncodeFrame(w io.Writer, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var iv [IVSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return fmt.Errorf("codec: generate iv: %w", err)
	}

	var aad [AADSize]byte
	if _, err := io.ReadFull(rand.Reader, aad[:]); err != nil {
		return fmt.Errorf("codec: generate aad: %w", err)
	}

	var keyNext [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, keyNext[:]); err != nil {
		return fmt.Errorf("codec: generate next key: %w", err)
	}

	gcm, err := newGCM(c.key[:])
	if err != nil {
		return err
	}

	plaintext := make([]byte, KeySize+len(payload))
	copy(plaintext, keyNext[:])
	copy(plaintext[KeySize:], payload)

	sealed := gcm.Seal(nil, iv[:], plaintext, aad[:])
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	frame := make([]byte, HeaderSize+len(ciphertext))
	off := 0
	off += copy(frame[off:], iv[:])
	off += copy(frame[off:], tag)
	off += copy(frame[off:], aad[:])
	binary.BigEndian.PutUint64(frame[off:], uint64(len(ciphertext)))
	off += lenFieldSize
	copy(frame[off:], ciphertext)

	if err := writeFull(w, frame); err != nil {
		return err
	}

	zero(c.key[:])
	c.key = keyNext
	return nil
}

// DecodeFrame reads and authenticates one frame from r, returning its
// decrypted payload. On success it replaces the current key with the
// KEY_NEXT embedded in the frame. Authentication failure is reported as
// ErrAuthenticationFailed; an I/O error (including io.EOF on a clean
// close) is returned unwrapped so callers can distinguish EOF from a
// framing violation.
func (c *Codec) DecodeFrame(r io.Reader) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	iv := header[:IVSize]
	tag := header[IVSize : IVSize+TagSize]
	aad := header[IVSize+TagSize : IVSize+TagSize+AADSize]
	bodyLen := binary.BigEndian.Uint64(header[IVSize+TagSize+AADSize:])

	if bodyLen > MaxBodySize {
		return nil, ErrFrameTooLarge
	}

	ciphertext := make([]byte, int(bodyLen))
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return nil, err
	}

	gcm, err := newGCM(c.key[:])
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	if len(plaintext) < KeySize {
		return nil, ErrShortPlaintext
	}

	var keyNext [KeySize]byte
	copy(keyNext[:], plaintext[:KeySize])
	payload := plaintext[KeySize:]

	zero(c.key[:])
	c.key = keyNext
	return payload, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: new gcm: %w", err)
	}
	return gcm, nil
}

// writeFull writes buf to w, retrying until every byte is written or an
// error occurs. Most net.Conn implementations never return a short write
// without an error, but the frame format's "one logical write" guarantee
// does not assume that of arbitrary writers.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
