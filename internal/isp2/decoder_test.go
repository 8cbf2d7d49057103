package isp2

import (
	"bytes"
	"math/rand"
	"testing"
)

// sensorStream concatenates n whole sensor frames, 4 channels each, with
// deterministic counts so the test can check frames came back unaltered.
func sensorStream(n int) []byte {
	var stream []byte
	for i := 0; i < n; i++ {
		counts := []uint16{
			uint16(i % 1024),
			uint16((i * 3) % 1024),
			uint16((i * 7) % 1024),
			uint16((i * 11) % 1024),
		}
		stream = append(stream, EncodeSensorFrame(counts, false)...)
	}
	return stream
}

func feedInChunks(d *Decoder, stream []byte, rng *rand.Rand) []Frame {
	var frames []Frame
	for len(stream) > 0 {
		n := 1 + rng.Intn(9)
		if n > len(stream) {
			n = len(stream)
		}
		frames = append(frames, d.Feed(stream[:n])...)
		stream = stream[n:]
	}
	return frames
}

func TestDecoderChunkBoundaries(t *testing.T) {
	const want = 50
	stream := sensorStream(want)
	rng := rand.New(rand.NewSource(1))

	frames := feedInChunks(NewDecoder(0), stream, rng)

	if len(frames) != want {
		t.Fatalf("got %d frames, want %d", len(frames), want)
	}
	for i, f := range frames {
		if auxValue(f.Words[0]) != uint16(i%1024) || auxValue(f.Words[1]) != uint16((i*3)%1024) {
			t.Fatalf("frame %d decoded out of order or corrupted: %#04x", i, f.Words)
		}
	}
}

func TestDecoderResyncAfterNoise(t *testing.T) {
	// Noise bytes below 0x80 can never begin a header word (bit 15), so
	// this stream has exactly the three real frames in it.
	frame := EncodeSensorFrame([]uint16{500, 501, 502, 503}, false)
	var stream []byte
	stream = append(stream, 0x00, 0x13, 0x7F)
	stream = append(stream, frame...)
	stream = append(stream, 0x55)
	stream = append(stream, frame...)
	stream = append(stream, 0x01, 0x02, 0x03, 0x04, 0x05)
	stream = append(stream, frame...)

	d := NewDecoder(0)
	frames := d.Feed(stream)

	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for _, f := range frames {
		if auxValue(f.Words[0]) != 500 {
			t.Fatalf("channel 0 count = %d, want 500", auxValue(f.Words[0]))
		}
	}
	if d.FramingErrors() == 0 {
		t.Error("noise bytes were consumed without counting framing errors")
	}
}

func TestDecoderCorruptedDataWord(t *testing.T) {
	good := EncodeSensorFrame([]uint16{100, 200, 300, 400}, false)
	bad := bytes.Clone(good)
	bad[4] |= 0x80 // set a fixed-zero bit in the first data word

	d := NewDecoder(0)
	var frames []Frame
	frames = append(frames, d.Feed(bad)...)
	frames = append(frames, d.Feed(good)...)

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want only the undamaged one", len(frames))
	}
	if auxValue(frames[0].Words[0]) != 100 {
		t.Fatalf("channel 0 count = %d, want 100", auxValue(frames[0].Words[0]))
	}
}

func TestDecoderResetDropsPartialFrame(t *testing.T) {
	frame := EncodeSensorFrame([]uint16{10, 20, 30, 40}, false)

	d := NewDecoder(0)
	if got := d.Feed(frame[:5]); len(got) != 0 {
		t.Fatalf("partial frame produced %d frames", len(got))
	}

	// Reconnect: the held prefix must not be stitched to the new
	// connection's bytes.
	d.Reset()
	frames := d.Feed(frame)
	if len(frames) != 1 {
		t.Fatalf("got %d frames after reset, want 1", len(frames))
	}
	if auxValue(frames[0].Words[0]) != 10 {
		t.Fatalf("channel 0 count = %d, want 10", auxValue(frames[0].Words[0]))
	}
}

func TestDecoderOverflowFlush(t *testing.T) {
	d := NewDecoder(16)

	// Headerless junk accumulates until the bound trips. The decoder
	// consumes noise byte by byte, so fill it with a held partial frame
	// that cannot complete: a header declaring more words than we send.
	partial := EncodeSensorFrame(make([]uint16, 100), false)[:10]
	d.Feed(partial)
	if d.Overflows() != 0 {
		t.Fatal("overflow tripped early")
	}
	d.Feed(partial)
	if d.Overflows() != 1 {
		t.Fatalf("overflows = %d, want 1", d.Overflows())
	}

	// The decoder keeps working after a flush.
	frames := d.Feed(EncodeSensorFrame([]uint16{7}, false))
	if len(frames) != 1 || auxValue(frames[0].Words[0]) != 7 {
		t.Fatalf("decoder did not recover after overflow: %v", frames)
	}
}

// A single chunk larger than the accumulator bound must still yield the
// complete frames it carries; only the unconsumed remainder is flushed.
func TestDecoderOversizedChunkKeepsFrames(t *testing.T) {
	frame := EncodeSensorFrame([]uint16{7}, false)
	partial := EncodeSensorFrame(make([]uint16, 100), false)[:8]

	d := NewDecoder(7)
	frames := d.Feed(append(append([]byte(nil), frame...), partial...))

	if len(frames) != 1 || auxValue(frames[0].Words[0]) != 7 {
		t.Fatalf("oversized chunk lost its frame: %v", frames)
	}
	if d.Overflows() != 1 {
		t.Fatalf("overflows = %d, want 1 (remainder flushed)", d.Overflows())
	}
}
