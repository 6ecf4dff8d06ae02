package speech_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/speech"
)

func readAll(t *testing.T, src speech.Source[int16], bufSize int) []int16 {
	t.Helper()
	var out []int16
	buf := make([]int16, bufSize)
	for {
		n, err := src.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
}

func TestPCM16Source(t *testing.T) {
	want := []int16{0, 1, -1, 32767, -32768, 1234}
	data := audio.Int16sToBytes(want)

	t.Run("whole reads", func(t *testing.T) {
		equalInt16s(t, readAll(t, speech.NewPCM16Source(bytes.NewReader(data)), 4), want)
	})
	t.Run("one byte at a time", func(t *testing.T) {
		src := speech.NewPCM16Source(iotest.OneByteReader(bytes.NewReader(data)))
		equalInt16s(t, readAll(t, src, 4), want)
	})
	t.Run("trailing odd byte", func(t *testing.T) {
		src := speech.NewPCM16Source(bytes.NewReader(append(data, 0x7f)))
		equalInt16s(t, readAll(t, src, 3), want)
	})
	t.Run("reader error", func(t *testing.T) {
		boom := errors.New("boom")
		src := speech.NewPCM16Source(iotest.ErrReader(boom))
		if _, err := src.Read(make([]int16, 2)); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	})
}

func TestPushSource(t *testing.T) {
	src := speech.NewPushSource[uint8]()
	buf := make([]uint8, 4)

	if _, err := src.Read(buf); !errors.Is(err, speech.ErrNotReady) {
		t.Fatalf("empty open source: expected ErrNotReady, got %v", err)
	}

	src.Push(1, 2, 3, 4, 5, 6)
	n, err := src.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("Read = %d, %v; want 4, nil", n, err)
	}
	src.Push(7)
	src.Close()
	src.Push(8) // ignored after Close
	if !src.Closed() {
		t.Error("Closed() = false after Close")
	}

	n, err = src.Read(buf)
	if err != nil || n != 3 || buf[0] != 5 || buf[2] != 7 {
		t.Fatalf("Read = %d, %v, %v; want [5 6 7]", n, err, buf[:n])
	}
	if _, err := src.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("closed drained source: expected io.EOF, got %v", err)
	}
}

func TestPushSource_CopiesPushedSamples(t *testing.T) {
	src := speech.NewPushSource[int16]()
	in := []int16{1, 2}
	src.Push(in...)
	in[0] = 42
	buf := make([]int16, 2)
	if _, err := src.Read(buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 1 {
		t.Errorf("got %d, want 1", buf[0])
	}
}
