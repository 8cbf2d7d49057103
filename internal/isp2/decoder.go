package isp2

import "encoding/binary"

// DefaultMaxBuffer bounds the decoder's accumulator. 4 KiB is over two
// seconds of stream at 19200 baud, far more than the largest legal packet.
const DefaultMaxBuffer = 4096

// Decoder turns a raw serial byte stream into validated frames. Feed it
// chunks as they arrive from the link; a frame split across chunk
// boundaries is held in the accumulator until complete. The decoder is a
// pure byte machine with no I/O and no timestamps.
type Decoder struct {
	buf    []byte
	maxBuf int

	framingErrors uint64 // bytes discarded while hunting for a frame boundary
	overflows     uint64 // accumulator flushes with no frame boundary found
}

// NewDecoder returns a decoder with the given accumulator bound.
// maxBuf <= 0 selects DefaultMaxBuffer.
func NewDecoder(maxBuf int) *Decoder {
	if maxBuf <= 0 {
		maxBuf = DefaultMaxBuffer
	}
	return &Decoder{maxBuf: maxBuf}
}

// Reset clears the accumulator. The link manager calls this on reconnect
// so bytes from two physically distinct connection epochs are never
// stitched into one frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// FramingErrors returns the number of bytes discarded during resync.
func (d *Decoder) FramingErrors() uint64 { return d.framingErrors }

// Overflows returns the number of accumulator overflow flushes.
func (d *Decoder) Overflows() uint64 { return d.overflows }

// Feed consumes one raw chunk and returns every frame completed by it,
// in stream order.
//
// The scan is byte-granular: a candidate header that fails validation
// costs exactly one discarded byte, never a whole chunk, so a genuine
// frame start preceded by noise is not lost. A sensor-data packet is only
// accepted when every data word has the aux fixed bits clear; that word
// check is the protocol's integrity field.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		f, ok := d.next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}

	if len(d.buf) > d.maxBuf {
		// No frame boundary within the bound: flush the unconsumed
		// remainder and rescan from fresh bytes only.
		d.buf = d.buf[:0]
		d.overflows++
	}
	return frames
}

// next tries to consume one complete frame from the front of the
// accumulator. It returns ok=false when more bytes are needed.
func (d *Decoder) next() (Frame, bool) {
	for len(d.buf) >= 2 {
		header := binary.BigEndian.Uint16(d.buf[:2])
		if !isHeaderWord(header) {
			d.dropByte()
			continue
		}

		n := headerLength(header)
		if n > maxPacketWords {
			d.dropByte()
			continue
		}
		need := 2 + 2*n
		if len(d.buf) < need {
			return Frame{}, false // wait for the rest of the packet
		}

		words := make([]uint16, n)
		valid := true
		for i := 0; i < n; i++ {
			w := binary.BigEndian.Uint16(d.buf[2+2*i : 4+2*i])
			if header&sensorDataMask != 0 && !isAuxWord(w) {
				valid = false
				break
			}
			words[i] = w
		}
		if !valid {
			d.dropByte()
			continue
		}

		d.buf = d.buf[need:]
		return Frame{Header: header, Words: words}, true
	}
	return Frame{}, false
}

func (d *Decoder) dropByte() {
	d.buf = d.buf[1:]
	d.framingErrors++
}
