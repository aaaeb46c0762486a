// Package tunnel implements the session orchestrator of §4.4: accepting
// connections, dialing the session's counterpart, and running the two
// independent unidirectional pumps that relay bytes between them.
//
// LocalOrchestrator runs on the local proxy (SOCKS5-client-facing side):
// it dials the remote peer for every accepted client connection and
// relays raw bytes in both directions, encrypting toward the peer and
// decrypting from it. It never parses SOCKS5 itself.
//
// RemoteOrchestrator runs on the remote proxy: it terminates the
// encrypted channel, runs the socks5 client-facing state machine over
// it, dials the parsed target, and relays in both directions.
package tunnel

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/sockstun/internal/codec"
	"github.com/postalsys/sockstun/internal/logging"
	"github.com/postalsys/sockstun/internal/metrics"
	"github.com/postalsys/sockstun/internal/recovery"
)

// relayBufferSize is the staging buffer size for the plaintext read
// side of each pump, per §4.4: "a fixed 2048-byte staging buffer".
const relayBufferSize = 2048

// directions used as metrics labels and log fields.
const (
	directionUpstream   = "upstream"   // plaintext client/target -> encrypted peer
	directionDownstream = "downstream" // encrypted peer -> plaintext client/target
)

// pairCloser closes both sockets of a session exactly once. Per §3's
// Lifecycle, a session ends the moment either pump observes EOF or a
// fatal error; dropping both sockets then unblocks whichever pump is
// still parked in a read or write call.
type pairCloser struct {
	once sync.Once
	a, b io.Closer
}

func (p *pairCloser) closeAll() {
	p.once.Do(func() {
		p.a.Close()
		p.b.Close()
	})
}

// runRelay spawns the encode and decode pumps for one session and
// blocks until both have returned, logging and counting the session's
// outcome. plain is the plaintext-speaking socket (the SOCKS5 client on
// the local side, or the dialed target on the remote side); encrypted
// is the socket carrying codec frames to/from the peer proxy. The
// direction keys are fresh (Invariant 5: a session's two Codecs both
// start from the same pre-shared key).
func runRelay(logger *slog.Logger, m *metrics.Metrics, plain, encrypted io.ReadWriteCloser, sendKey, recvKey [codec.KeySize]byte) {
	enc := codec.New(sendKey)
	dec := codec.New(recvKey)
	runRelayWithCodecs(logger, m, plain, encrypted, enc, dec)
}

// runRelayWithCodecs is runRelay for a session whose Codecs have already
// been constructed and possibly ratcheted forward — the remote
// orchestrator's handshake phase shares its enc/dec pair with the relay
// phase so the ratchet carries across the handshake frames.
func runRelayWithCodecs(logger *slog.Logger, m *metrics.Metrics, plain, encrypted io.ReadWriteCloser, enc, dec *codec.Codec) {
	closer := &pairCloser{a: plain, b: encrypted}
	defer closer.closeAll()
	defer enc.Zero()
	defer dec.Zero()

	var upBytes, downBytes atomic.Int64

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer closer.closeAll()
		defer recovery.RecoverWithLog(logger, "tunnel.relay.upstream")
		err := pumpPlaintextToFrames(enc, plain, encrypted, m, &upBytes)
		logPumpExit(logger, "upstream", err)
	}()

	go func() {
		defer wg.Done()
		defer closer.closeAll()
		defer recovery.RecoverWithLog(logger, "tunnel.relay.downstream")
		err := pumpFramesToPlaintext(dec, encrypted, plain, m, &downBytes)
		logPumpExit(logger, "downstream", err)
	}()

	wg.Wait()

	logger.Debug("session relay finished",
		"upstream", humanize.Bytes(uint64(upBytes.Load())),
		"downstream", humanize.Bytes(uint64(downBytes.Load())))
}

// pumpPlaintextToFrames reads plaintext from src in relayBufferSize
// chunks, encodes each non-empty chunk as a frame, and writes the frame
// to dst. It returns the terminal error (io.EOF on a clean close).
func pumpPlaintextToFrames(enc *codec.Codec, src io.Reader, dst io.Writer, m *metrics.Metrics, total *atomic.Int64) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := enc.EncodeFrame(dst, buf[:n]); err != nil {
				return err
			}
			total.Add(int64(n))
			if m != nil {
				m.RecordBytesRelayed(directionUpstream, n)
			}
		}
		if readErr != nil {
			return readErr
		}
	}
}

// pumpFramesToPlaintext decodes frames from src and writes each
// non-empty payload to dst. It returns the terminal error.
func pumpFramesToPlaintext(dec *codec.Codec, src io.Reader, dst io.Writer, m *metrics.Metrics, total *atomic.Int64) error {
	for {
		payload, err := dec.DecodeFrame(src)
		if err != nil {
			return err
		}
		if len(payload) > 0 {
			if _, werr := dst.Write(payload); werr != nil {
				return werr
			}
			total.Add(int64(len(payload)))
			if m != nil {
				m.RecordBytesRelayed(directionDownstream, len(payload))
			}
		}
	}
}

// logPumpExit logs a pump's terminal condition at the level §7 assigns
// to it: a frame rejected by the codec (authentication failure,
// oversized or short frame) is a framing/crypto failure and is logged at
// warn; relay I/O errors and EOF are logged at debug, since a normal
// close is expected and the session teardown itself is not an error
// worth a warning.
func logPumpExit(logger *slog.Logger, pump string, err error) {
	if err == nil || err == io.EOF {
		logger.Debug("relay pump finished", "pump", pump)
		return
	}
	if errors.Is(err, codec.ErrAuthenticationFailed) ||
		errors.Is(err, codec.ErrFrameTooLarge) ||
		errors.Is(err, codec.ErrShortPlaintext) {
		logger.Warn("relay frame rejected", "pump", pump, logging.KeyError, err)
		return
	}
	logger.Debug("relay pump finished", "pump", pump, logging.KeyError, err)
}
