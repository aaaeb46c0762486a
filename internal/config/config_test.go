package config

import (
	"errors"
	"testing"

	"github.com/postalsys/sockstun/internal/codec"
)

func validKey() []byte {
	k := make([]byte, codec.KeySize)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestNewLocalAccepted(t *testing.T) {
	cfg, err := NewLocal("127.0.0.1:6355", "127.0.0.1:8171", validKey())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:6355" || cfg.RemoteAddr != "127.0.0.1:8171" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestNewLocalRejectsBadListenAddr(t *testing.T) {
	_, err := NewLocal("not-an-address", "127.0.0.1:8171", validKey())
	if err == nil {
		t.Fatal("NewLocal: want error for unresolvable listen address")
	}
}

func TestNewLocalRejectsBadRemoteAddr(t *testing.T) {
	_, err := NewLocal("127.0.0.1:6355", "not-an-address", validKey())
	if err == nil {
		t.Fatal("NewLocal: want error for unresolvable remote address")
	}
}

func TestNewLocalRejectsShortKey(t *testing.T) {
	_, err := NewLocal("127.0.0.1:6355", "127.0.0.1:8171", []byte("too-short"))
	if !errors.Is(err, ErrKeyLength) {
		t.Fatalf("NewLocal err = %v, want ErrKeyLength", err)
	}
}

func TestNewLocalRejectsLongKey(t *testing.T) {
	long := append(validKey(), 0xFF)
	_, err := NewLocal("127.0.0.1:6355", "127.0.0.1:8171", long)
	if !errors.Is(err, ErrKeyLength) {
		t.Fatalf("NewLocal err = %v, want ErrKeyLength", err)
	}
}

func TestNewRemoteAccepted(t *testing.T) {
	cfg, err := NewRemote("0.0.0.0:8171", validKey())
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8171" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestNewRemoteRejectsBadListenAddr(t *testing.T) {
	_, err := NewRemote("not-an-address", validKey())
	if err == nil {
		t.Fatal("NewRemote: want error for unresolvable listen address")
	}
}

func TestNewRemoteRejectsKeyLength(t *testing.T) {
	_, err := NewRemote("0.0.0.0:8171", []byte("short"))
	if !errors.Is(err, ErrKeyLength) {
		t.Fatalf("NewRemote err = %v, want ErrKeyLength", err)
	}
}
