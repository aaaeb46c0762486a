// Package streamio adapts the codec's variable-length decoded records
// into the exact-length byte reads the SOCKS5 handshake needs.
package streamio

import (
	"io"

	"github.com/postalsys/sockstun/internal/codec"
)

// frameDecoder is the subset of *codec.Codec that Reader depends on.
type frameDecoder interface {
	DecodeFrame(r io.Reader) ([]byte, error)
}

var _ frameDecoder = (*codec.Codec)(nil)

// Reader presents a sequence of decoded frames as a byte stream. It
// holds at most one pending payload and a consumed-offset into it,
// refilling from the underlying decoder whenever the pending buffer is
// exhausted.
//
// A Reader is intended for the handshake phase only, where message
// boundaries are smaller than frame boundaries. The relay phase should
// decode whole frames directly and must not also use a Reader over the
// same underlying stream — mixing the two would desynchronize the
// pending buffer.
type Reader struct {
	dec     frameDecoder
	src     io.Reader
	pending []byte
	off     int
}

// NewReader returns a Reader that pulls frames for r from dec.
func NewReader(dec frameDecoder, r io.Reader) *Reader {
	return &Reader{dec: dec, src: r}
}

// ReadExact fills dst completely, decoding additional frames as needed.
// It returns len(dst) on success, or a short count alongside an error if
// the underlying stream or decoder fails partway through.
func (s *Reader) ReadExact(dst []byte) (int, error) {
	written := 0
	for written < len(dst) {
		if s.off >= len(s.pending) {
			payload, err := s.dec.DecodeFrame(s.src)
			if err != nil {
				return written, err
			}
			s.pending = payload
			s.off = 0
			if len(s.pending) == 0 {
				// An empty frame carries no bytes; pull the next one.
				continue
			}
		}

		n := copy(dst[written:], s.pending[s.off:])
		s.off += n
		written += n
	}
	return written, nil
}

// ReadOne returns the next decoded frame in full, ignoring any pending
// buffer left over from ReadExact. Used once the handshake has
// concluded and the session has moved into the relay phase.
func (s *Reader) ReadOne() ([]byte, error) {
	return s.dec.DecodeFrame(s.src)
}
