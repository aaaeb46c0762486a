package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.BytesRelayed == nil {
		t.Error("BytesRelayed metric is nil")
	}
}

func TestRecordSessionOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionOpen()
	m.RecordSessionOpen()
	m.RecordSessionOpen()

	if active := testutil.ToFloat64(m.SessionsActive); active != 3 {
		t.Errorf("SessionsActive = %v, want 3", active)
	}
	if total := testutil.ToFloat64(m.SessionsTotal); total != 3 {
		t.Errorf("SessionsTotal = %v, want 3", total)
	}

	m.RecordSessionClose()

	if active := testutil.ToFloat64(m.SessionsActive); active != 2 {
		t.Errorf("SessionsActive = %v, want 2", active)
	}
}

func TestRecordSessionError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionError("relay")
	m.RecordSessionError("relay")
	m.RecordSessionError("handshake")

	relayErrors := testutil.ToFloat64(m.SessionErrors.WithLabelValues("relay"))
	if relayErrors != 2 {
		t.Errorf("SessionErrors[relay] = %v, want 2", relayErrors)
	}
	handshakeErrors := testutil.ToFloat64(m.SessionErrors.WithLabelValues("handshake"))
	if handshakeErrors != 1 {
		t.Errorf("SessionErrors[handshake] = %v, want 1", handshakeErrors)
	}
}

func TestRecordBytesRelayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesRelayed("upstream", 1000)
	m.RecordBytesRelayed("upstream", 500)
	m.RecordBytesRelayed("downstream", 2000)

	up := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("upstream"))
	if up != 1500 {
		t.Errorf("BytesRelayed[upstream] = %v, want 1500", up)
	}
	down := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("downstream"))
	if down != 2000 {
		t.Errorf("BytesRelayed[downstream] = %v, want 2000", down)
	}
}

func TestRecordHandshakeError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshakeError("bad_version")
	m.RecordHandshakeError("bad_version")
	m.RecordHandshakeError("unsupported_atyp")

	badVersion := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("bad_version"))
	if badVersion != 2 {
		t.Errorf("HandshakeErrors[bad_version] = %v, want 2", badVersion)
	}
}

func TestRecordDialFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDialFailure("peer")
	m.RecordDialFailure("destination")
	m.RecordDialFailure("destination")

	peerFailures := testutil.ToFloat64(m.DialFailures.WithLabelValues("peer"))
	if peerFailures != 1 {
		t.Errorf("DialFailures[peer] = %v, want 1", peerFailures)
	}
	destFailures := testutil.ToFloat64(m.DialFailures.WithLabelValues("destination"))
	if destFailures != 2 {
		t.Errorf("DialFailures[destination] = %v, want 2", destFailures)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
