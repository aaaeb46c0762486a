// Package config validates the startup parameters handed to a local or
// remote proxy process: listen/peer addresses and the pre-shared key.
// Parsing command-line flags and environment variables is left to
// cmd/sockstun; this package only validates already-extracted values,
// per the "trivial configuration value validation" hand-off.
package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/postalsys/sockstun/internal/codec"
)

// ErrKeyLength is returned when a supplied key is not exactly
// codec.KeySize bytes long.
var ErrKeyLength = fmt.Errorf("config: key must be exactly %d bytes", codec.KeySize)

// Local holds the validated startup parameters for a local proxy.
type Local struct {
	ListenAddr string
	RemoteAddr string
	Key        [codec.KeySize]byte
}

// Remote holds the validated startup parameters for a remote proxy.
type Remote struct {
	ListenAddr string
	Key        [codec.KeySize]byte
}

// NewLocal validates the local proxy's parameters. listen and
// remoteAddr must both resolve as TCP addresses; key must be exactly
// codec.KeySize bytes.
func NewLocal(listen, remoteAddr string, key []byte) (Local, error) {
	if err := validateAddr("listen", listen); err != nil {
		return Local{}, err
	}
	if err := validateAddr("remote-addr", remoteAddr); err != nil {
		return Local{}, err
	}
	k, err := validateKey(key)
	if err != nil {
		return Local{}, err
	}
	return Local{ListenAddr: listen, RemoteAddr: remoteAddr, Key: k}, nil
}

// NewRemote validates the remote proxy's parameters. listen must
// resolve as a TCP address; key must be exactly codec.KeySize bytes.
func NewRemote(listen string, key []byte) (Remote, error) {
	if err := validateAddr("listen", listen); err != nil {
		return Remote{}, err
	}
	k, err := validateKey(key)
	if err != nil {
		return Remote{}, err
	}
	return Remote{ListenAddr: listen, Key: k}, nil
}

func validateAddr(name, addr string) error {
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("config: `%s` parameter error: %w", name, err)
	}
	return nil
}

func validateKey(key []byte) ([codec.KeySize]byte, error) {
	var out [codec.KeySize]byte
	if len(key) != codec.KeySize {
		return out, ErrKeyLength
	}
	copy(out[:], key)
	return out, nil
}

// ErrEmptyKey reports that no key material was supplied at all (an empty
// --key, or empty input with --key-stdin; cmd/sockstun returns it),
// distinguishing "missing" from "wrong length" for a clearer startup
// error message.
var ErrEmptyKey = errors.New("config: no key supplied")
