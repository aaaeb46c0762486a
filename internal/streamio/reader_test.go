package streamio

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type fakeDecoder struct {
	frames [][]byte
	i      int
	err    error
}

func (f *fakeDecoder) DecodeFrame(r io.Reader) ([]byte, error) {
	if f.i >= len(f.frames) {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	frame := f.frames[f.i]
	f.i++
	return frame, nil
}

func TestReadExactAcrossFrameBoundaries(t *testing.T) {
	dec := &fakeDecoder{frames: [][]byte{
		[]byte{0x05, 0x01},
		[]byte{0x00, 0xAA, 0xBB},
	}}
	r := NewReader(dec, bytes.NewReader(nil))

	dst := make([]byte, 5)
	n, err := r.ReadExact(dst)
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	want := []byte{0x05, 0x01, 0x00, 0xAA, 0xBB}
	if !bytes.Equal(dst, want) {
		t.Fatalf("dst = %x, want %x", dst, want)
	}
}

func TestReadExactSkipsEmptyFrames(t *testing.T) {
	dec := &fakeDecoder{frames: [][]byte{
		{},
		[]byte{0x01, 0x02},
	}}
	r := NewReader(dec, bytes.NewReader(nil))

	dst := make([]byte, 2)
	n, err := r.ReadExact(dst)
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if n != 2 || !bytes.Equal(dst, []byte{0x01, 0x02}) {
		t.Fatalf("ReadExact = %x (n=%d), want 0102 (n=2)", dst, n)
	}
}

func TestReadExactPropagatesDecoderError(t *testing.T) {
	wantErr := errors.New("boom")
	dec := &fakeDecoder{err: wantErr}
	r := NewReader(dec, bytes.NewReader(nil))

	_, err := r.ReadExact(make([]byte, 3))
	if !errors.Is(err, wantErr) {
		t.Fatalf("ReadExact err = %v, want %v", err, wantErr)
	}
}

func TestReadOneReturnsWholeFrameIgnoringPending(t *testing.T) {
	dec := &fakeDecoder{frames: [][]byte{
		[]byte{0x01, 0x02, 0x03},
		[]byte{0xFF},
	}}
	r := NewReader(dec, bytes.NewReader(nil))

	// Consume one byte via ReadExact, leaving two bytes pending.
	if _, err := r.ReadExact(make([]byte, 1)); err != nil {
		t.Fatalf("ReadExact: %v", err)
	}

	got, err := r.ReadOne()
	if err != nil {
		t.Fatalf("ReadOne: %v", err)
	}
	if !bytes.Equal(got, []byte{0xFF}) {
		t.Fatalf("ReadOne = %x, want ff (ReadOne bypasses pending buffer)", got)
	}
}
