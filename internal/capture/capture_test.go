package capture_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

func firstSample(f audio.AudioFrame) int16 {
	return int16(binary.LittleEndian.Uint16(f.Data))
}

func TestPipeline_ConvertsAndClamps(t *testing.T) {
	t.Parallel()

	src := &mock.CaptureSource{}
	p := capture.New(src)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	src.Emit([]float32{2.5, -0.5})

	select {
	case f := <-p.Frames():
		if f.SampleRate != audio.SampleRate || f.Channels != 1 {
			t.Errorf("format = %dHz %dch, want 24000Hz 1ch", f.SampleRate, f.Channels)
		}
		if f.Samples() != 2 {
			t.Fatalf("Samples() = %d, want 2", f.Samples())
		}
		if got := firstSample(f); got != 32767 {
			t.Errorf("clamped sample = %d, want 32767", got)
		}
		if got := int16(binary.LittleEndian.Uint16(f.Data[2:])); got != -16383 {
			t.Errorf("second sample = %d, want -16383", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestPipeline_PreservesOrderAndTimestamps(t *testing.T) {
	t.Parallel()

	src := &mock.CaptureSource{}
	p := capture.New(src, capture.WithQueueSize(8))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	chunk := make([]float32, 2400) // 100ms
	for i := range 4 {
		chunk[0] = float32(i) / 10
		src.Emit(chunk)
	}

	for i := range 4 {
		f := <-p.Frames()
		if want := time.Duration(i) * 100 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
		if want := audio.ClampSample(float32(i) / 10); firstSample(f) != want {
			t.Errorf("frame %d first sample = %d, want %d", i, firstSample(f), want)
		}
	}
}

func TestPipeline_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	src := &mock.CaptureSource{}
	p := capture.New(src, capture.WithQueueSize(2))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 5 {
			src.Emit([]float32{0.1})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("device callback blocked on a full queue")
	}
	if got := p.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if got := len(p.Frames()); got != 2 {
		t.Errorf("queued frames = %d, want 2", got)
	}
}

func TestPipeline_AcquireFailureHoldsNothing(t *testing.T) {
	t.Parallel()

	src := &mock.CaptureSource{StartErr: errors.New("permission denied")}
	p := capture.New(src)

	err := p.Start()
	if !errors.Is(err, capture.ErrAcquire) {
		t.Fatalf("Start err = %v, want ErrAcquire", err)
	}
	if src.Active() {
		t.Error("source should not be active after failed Start")
	}
	if _, _, closed := src.Counts(); closed != 1 {
		t.Errorf("Close calls = %d, want 1 (device released)", closed)
	}
}

func TestPipeline_StopIsIdempotentAndReleasesOnce(t *testing.T) {
	t.Parallel()

	src := &mock.CaptureSource{}
	p := capture.New(src)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for range 3 {
		if err := p.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}

	_, stops, closes := src.Counts()
	if stops != 1 || closes != 1 {
		t.Errorf("Stop/Close calls = %d/%d, want 1/1", stops, closes)
	}
	if _, ok := <-p.Frames(); ok {
		t.Error("Frames() should be closed after Stop")
	}
	if src.Emit([]float32{0.5}) {
		t.Error("source still delivering after Stop")
	}
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	t.Parallel()

	src := &mock.CaptureSource{}
	p := capture.New(src)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if start, stop, closed := src.Counts(); start+stop+closed != 0 {
		t.Errorf("device touched: start=%d stop=%d close=%d", start, stop, closed)
	}
	if err := p.Start(); !errors.Is(err, capture.ErrAcquire) {
		t.Errorf("Start after Stop = %v, want ErrAcquire", err)
	}
}
