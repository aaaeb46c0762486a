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
)

// LocalConfig configures a LocalOrchestrator.
type LocalConfig struct {
	// ListenAddr is where the orchestrator accepts unmodified SOCKS5
	// client connections.
	ListenAddr string

	// RemoteAddr is the remote sockstun proxy dialed for every accepted
	// client connection.
	RemoteAddr string

	// Key is the pre-shared key used, once per direction, as the
	// initial key of a fresh session.
	Key [codec.KeySize]byte

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// LocalOrchestrator accepts SOCKS5-client connections and relays each
// one, byte-for-byte and SOCKS5-transparently, to a dialed remote peer —
// encrypting everything sent toward the peer and decrypting everything
// read from it. It implements §4.4's local-side topology.
type LocalOrchestrator struct {
	cfg      LocalConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	listener net.Listener

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLocalOrchestrator constructs a LocalOrchestrator from cfg.
func NewLocalOrchestrator(cfg LocalConfig) *LocalOrchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &LocalOrchestrator{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound.
func (o *LocalOrchestrator) Start() error {
	if o.running.Load() {
		return fmt.Errorf("tunnel: local orchestrator already running")
	}

	listener, err := net.Listen("tcp", o.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("tunnel: listen on %s: %w", o.cfg.ListenAddr, err)
	}
	o.listener = listener
	o.running.Store(true)

	o.wg.Add(1)
	go o.acceptLoop()

	o.logger.Info("local orchestrator started",
		logging.KeyLocalAddr, o.listener.Addr().String(),
		logging.KeyPeerAddr, o.cfg.RemoteAddr)
	return nil
}

// Stop closes the listener and then blocks until every in-flight session
// has ended. Sessions already past the accept step are not signalled or
// forcibly torn down, so Stop returns only once their sockets have
// closed on their own.
func (o *LocalOrchestrator) Stop() error {
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
func (o *LocalOrchestrator) Addr() net.Addr {
	if o.listener == nil {
		return nil
	}
	return o.listener.Addr()
}

func (o *LocalOrchestrator) acceptLoop() {
	defer o.wg.Done()
	defer recovery.RecoverWithLog(o.logger, "tunnel.LocalOrchestrator.acceptLoop")

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

// handleSession dials the remote peer for one accepted client
// connection and, on success, relays the session to completion. A dial
// failure closes the client connection and logs; it never reaches the
// relay phase and is not counted as an active session.
func (o *LocalOrchestrator) handleSession(client net.Conn) {
	defer o.wg.Done()
	defer recovery.RecoverWithLog(o.logger, "tunnel.LocalOrchestrator.handleSession")

	peer, err := net.Dial("tcp", o.cfg.RemoteAddr)
	if err != nil {
		o.logger.Warn("dial remote proxy failed",
			logging.KeyRemoteAddr, client.RemoteAddr().String(),
			logging.KeyPeerAddr, o.cfg.RemoteAddr,
			logging.KeyError, err)
		o.metrics.RecordDialFailure("peer")
		client.Close()
		return
	}

	o.logger.Debug("session dialed",
		logging.KeyRemoteAddr, client.RemoteAddr().String(),
		logging.KeyPeerAddr, peer.RemoteAddr().String())

	o.metrics.RecordSessionOpen()
	defer o.metrics.RecordSessionClose()

	// Invariant 5: both directions start from the same pre-shared key,
	// each used exactly once before it is ratcheted away from.
	runRelay(o.logger, o.metrics, client, peer, o.cfg.Key, o.cfg.Key)
}
