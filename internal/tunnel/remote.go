package tunnel

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/sockstun/internal/codec"
	"github.com/postalsys/sockstun/internal/logging"
	"github.com/postalsys/sockstun/internal/metrics"
	"github.com/postalsys/sockstun/internal/recovery"
	"github.com/postalsys/sockstun/internal/socks5"
	"github.com/postalsys/sockstun/internal/streamio"
)

// RemoteConfig configures a RemoteOrchestrator.
type RemoteConfig struct {
	// ListenAddr is where the orchestrator accepts connections from
	// local proxies.
	ListenAddr string

	// Key is the pre-shared key used, once per direction, as the
	// initial key of a fresh session.
	Key [codec.KeySize]byte

	// Dial opens the connection to the parsed target. Defaults to
	// net.Dial; tests substitute a fake to avoid real network access.
	Dial func(network, address string) (net.Conn, error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// RemoteOrchestrator accepts the encrypted channel opened by a local
// proxy, decodes and answers a SOCKS5 handshake over it, dials the
// parsed target, and relays the session. It implements §4.4's
// remote-side topology.
type RemoteOrchestrator struct {
	cfg      RemoteConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	listener net.Listener
	dial     func(network, address string) (net.Conn, error)

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRemoteOrchestrator constructs a RemoteOrchestrator from cfg.
func NewRemoteOrchestrator(cfg RemoteConfig) *RemoteOrchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		dial = net.Dial
	}
	return &RemoteOrchestrator{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		dial:    dial,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound.
func (o *RemoteOrchestrator) Start() error {
	if o.running.Load() {
		return fmt.Errorf("tunnel: remote orchestrator already running")
	}

	listener, err := net.Listen("tcp", o.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("tunnel: listen on %s: %w", o.cfg.ListenAddr, err)
	}
	o.listener = listener
	o.running.Store(true)

	o.wg.Add(1)
	go o.acceptLoop()

	o.logger.Info("remote orchestrator started",
		logging.KeyLocalAddr, o.listener.Addr().String())
	return nil
}

// Stop closes the listener and then blocks until every in-flight session
// has ended. Sessions are not signalled or torn down by Stop; it returns
// only once their sockets have closed on their own.
func (o *RemoteOrchestrator) Stop() error {
	var err error
	o.stopOnce.Do(func() {
		o.running.Store(false)
		close(o.stopCh)
		if o.listener != nil {
			err = o.listener.Close()
		}
	})
	o.wg.Wait()
	return err
}

// Addr returns the bound listen address, or nil before Start succeeds.
func (o *RemoteOrchestrator) Addr() net.Addr {
	if o.listener == nil {
		return nil
	}
	return o.listener.Addr()
}

func (o *RemoteOrchestrator) acceptLoop() {
	defer o.wg.Done()
	defer recovery.RecoverWithLog(o.logger, "tunnel.RemoteOrchestrator.acceptLoop")

	for {
		conn, err := o.listener.Accept()
		if err != nil {
			select {
			case <-o.stopCh:
				return
			default:
				o.logger.Warn("accept failed", logging.KeyError, err)
				continue
			}
		}

		o.wg.Add(1)
		go o.handleSession(conn)
	}
}

// handleSession runs the handshake phase over one accepted peer
// connection and, on success, relays the session to completion. Any
// handshake failure closes the peer connection without ever sending a
// SOCKS5 error reply, per the protocol's closed-on-failure semantics.
func (o *RemoteOrchestrator) handleSession(peer net.Conn) {
	defer o.wg.Done()
	defer recovery.RecoverWithLog(o.logger, "tunnel.RemoteOrchestrator.handleSession")

	// Invariant 5: both directions start from the same pre-shared key.
	// The handshake is read through dec and answered in encrypted
	// frames written through enc; both are reused, un-recreated, for
	// the relay phase so the ratchet carries across the handshake.
	dec := codec.New(o.cfg.Key)
	enc := codec.New(o.cfg.Key)

	hs := streamio.NewReader(dec, peer)
	abort := func(reason string, err error) {
		o.logger.Warn("handshake failed",
			logging.KeyRemoteAddr, peer.RemoteAddr().String(),
			logging.KeyPhase, reason,
			logging.KeyError, err)
		o.metrics.RecordHandshakeError(reason)
		dec.Zero()
		enc.Zero()
		peer.Close()
	}

	if err := socks5.ReadGreeting(hs); err != nil {
		abort("greeting", err)
		return
	}

	if err := enc.EncodeFrame(peer, socks5.MethodSelectionReply()); err != nil {
		abort("method-reply", err)
		return
	}

	target, err := socks5.ReadRequest(hs)
	if err != nil {
		abort("request", err)
		return
	}

	targetConn, err := o.dial(target.Network(), target.HostPort())
	if err != nil {
		o.logger.Warn("dial target failed",
			logging.KeyRemoteAddr, peer.RemoteAddr().String(),
			logging.KeyTargetAddr, target.String(),
			logging.KeyError, err)
		o.metrics.RecordDialFailure("destination")
		dec.Zero()
		enc.Zero()
		peer.Close()
		return
	}

	if err := enc.EncodeFrame(peer, socks5.PositiveReply()); err != nil {
		abort("connect-reply", err)
		targetConn.Close()
		return
	}

	o.logger.Debug("session established",
		logging.KeyRemoteAddr, peer.RemoteAddr().String(),
		logging.KeyTargetAddr, target.String())

	o.metrics.RecordSessionOpen()
	defer o.metrics.RecordSessionClose()

	runRelayWithCodecs(o.logger, o.metrics, targetConn, peer, enc, dec)
}
