// Package main provides the CLI entry point for sockstun.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/sockstun/internal/config"
	"github.com/postalsys/sockstun/internal/logging"
	"github.com/postalsys/sockstun/internal/metrics"
	"github.com/postalsys/sockstun/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "sockstun",
		Short:   "sockstun - two-hop SOCKS5 tunnel over an encrypted channel",
		Version: Version,
	}

	rootCmd.AddCommand(localCmd())
	rootCmd.AddCommand(remoteCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func localCmd() *cobra.Command {
	var (
		listen      string
		remoteAddr  string
		key         string
		keyStdin    bool
		metricsAddr string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run the local proxy, a transparent SOCKS5 listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyBytes, err := resolveKey(key, keyStdin)
			if err != nil {
				return err
			}

			cfg, err := config.NewLocal(listen, remoteAddr, keyBytes)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(resolveLogLevel(logLevel), logFormat)
			m := metrics.Default()
			stopMetrics := maybeServeMetrics(logger, metricsAddr)
			if stopMetrics != nil {
				defer stopMetrics()
			}

			orch := tunnel.NewLocalOrchestrator(tunnel.LocalConfig{
				ListenAddr: cfg.ListenAddr,
				RemoteAddr: cfg.RemoteAddr,
				Key:        cfg.Key,
				Logger:     logger,
				Metrics:    m,
			})
			if err := orch.Start(); err != nil {
				return err
			}

			logger.Info("local proxy running",
				logging.KeyLocalAddr, orch.Addr().String(),
				logging.KeyPeerAddr, cfg.RemoteAddr)

			waitForShutdown(logger)
			return orch.Stop()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:6355", "SOCKS5 listen address")
	cmd.Flags().StringVar(&remoteAddr, "remote-addr", "0.0.0.0:8171", "Remote proxy address")
	cmd.Flags().StringVar(&key, "key", "", "32-byte pre-shared key")
	cmd.Flags().StringVar(&key, "first-key", "", "Alias for --key")
	cmd.Flags().BoolVar(&keyStdin, "key-stdin", false, "Read the pre-shared key from standard input instead of --key")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Serve Prometheus metrics at this address (disabled if empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default from SOCKSTUN_LOG_LEVEL or info)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	return cmd
}

func remoteCmd() *cobra.Command {
	var (
		listen      string
		key         string
		keyStdin    bool
		metricsAddr string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Run the remote proxy, terminating the encrypted channel and dialing targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyBytes, err := resolveKey(key, keyStdin)
			if err != nil {
				return err
			}

			cfg, err := config.NewRemote(listen, keyBytes)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(resolveLogLevel(logLevel), logFormat)
			m := metrics.Default()
			stopMetrics := maybeServeMetrics(logger, metricsAddr)
			if stopMetrics != nil {
				defer stopMetrics()
			}

			orch := tunnel.NewRemoteOrchestrator(tunnel.RemoteConfig{
				ListenAddr: cfg.ListenAddr,
				Key:        cfg.Key,
				Logger:     logger,
				Metrics:    m,
			})
			if err := orch.Start(); err != nil {
				return err
			}

			logger.Info("remote proxy running", logging.KeyLocalAddr, orch.Addr().String())

			waitForShutdown(logger)
			return orch.Stop()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:8171", "Encrypted-channel listen address")
	cmd.Flags().StringVar(&key, "key", "", "32-byte pre-shared key")
	cmd.Flags().BoolVar(&keyStdin, "key-stdin", false, "Read the pre-shared key from standard input instead of --key")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Serve Prometheus metrics at this address (disabled if empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default from SOCKSTUN_LOG_LEVEL or info)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	return cmd
}

// resolveKey returns the raw key bytes from --key, or prompts on
// standard input with echo disabled when keyStdin is set. A key
// supplied on argv is visible to other users via ps; --key-stdin avoids
// that without changing the wire protocol.
func resolveKey(key string, keyStdin bool) ([]byte, error) {
	if keyStdin {
		fmt.Fprint(os.Stderr, "Pre-shared key: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read key from stdin: %w", err)
		}
		if len(raw) == 0 {
			return nil, config.ErrEmptyKey
		}
		return raw, nil
	}
	if key == "" {
		return nil, config.ErrEmptyKey
	}
	return []byte(key), nil
}

// resolveLogLevel prefers an explicit flag over the SOCKSTUN_LOG_LEVEL
// environment variable, falling back to "info".
func resolveLogLevel(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SOCKSTUN_LOG_LEVEL"); env != "" {
		return env
	}
	return "info"
}

// maybeServeMetrics starts a Prometheus metrics HTTP server on addr if
// addr is non-empty, returning a function that shuts it down. It
// returns nil if addr is empty.
func maybeServeMetrics(logger *slog.Logger, addr string) func() {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func waitForShutdown(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
}
