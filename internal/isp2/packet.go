// Package isp2 decodes the Innovate Serial Protocol version 2, the wire
// format spoken by TC-4 and LC-1 style instruments. ISP2 is a continuous
// stream of big-endian 16-bit words: a header word announcing the packet
// length and flags, followed by that many data words.
//
// Format reference:
// http://www.innovatemotorsports.com/support/downloads/Seriallog-2.pdf
package isp2

// Header word layout. Bits 15, 13, 9 and 7 are always set in a header;
// the remaining fixed-zero bits of data words make a header pattern
// unlikely to occur inside payload or line noise, which is what the
// decoder's resynchronization relies on.
const (
	startMarkerMask uint16 = 0b1000000000000000
	headerMask      uint16 = startMarkerMask | 0b0010001010000000

	recordingMask  uint16 = 0b0100000000000000 // device is recording to flash
	sensorDataMask uint16 = 0b0001000000000000 // 1 = sensor data, 0 = command reply
	canLogMask     uint16 = 0b0000100000000000 // device supports internal logging

	// Packet length in words is bits 6-0, with bit 8 contributing 128.
	lengthLowMask  uint16 = 0b0000000001111111
	lengthHighMask uint16 = 0b0000000100000000

	// In an aux (thermocouple) data word bits 15, 14 and 7 are zero;
	// the 10-bit value is split around them.
	auxFixedMask uint16 = 0b1100000010000000
	auxLowMask   uint16 = 0b0000000001111111
	auxHighMask  uint16 = 0b0011111100000000
)

// maxPacketWords caps the length a header may declare. The length field
// encodes up to 255 words; anything larger is a corrupted header.
const maxPacketWords = 0xFF

func isHeaderWord(w uint16) bool {
	return w&headerMask == headerMask
}

func headerLength(w uint16) int {
	n := int(w & lengthLowMask)
	if w&lengthHighMask != 0 {
		n += 0x80
	}
	return n
}

func isAuxWord(w uint16) bool {
	return w&auxFixedMask == 0
}

// auxValue strips the fixed-zero bits from an aux word, yielding the
// 10-bit channel reading (0–1023).
func auxValue(w uint16) uint16 {
	return w&auxLowMask | (w&auxHighMask)>>1
}

// Frame is one validated ISP2 packet. The decoder only ever hands out
// frames whose header and data words passed integrity checks.
type Frame struct {
	Header uint16
	Words  []uint16
}

// SensorData reports whether the frame carries channel readings rather
// than a reply to a command.
func (f Frame) SensorData() bool { return f.Header&sensorDataMask != 0 }

// Recording reports the instrument's recording-to-flash flag.
func (f Frame) Recording() bool { return f.Header&recordingMask != 0 }

// CanLog reports whether the originating device can log internally.
func (f Frame) CanLog() bool { return f.Header&canLogMask != 0 }

// EncodeSensorFrame builds the wire bytes of a sensor-data packet
// carrying one 10-bit count per channel. It is the exact inverse of the
// decoder and is used by the demo source and by tests.
func EncodeSensorFrame(counts []uint16, recording bool) []byte {
	header := headerMask | sensorDataMask | canLogMask
	if recording {
		header |= recordingMask
	}
	n := uint16(len(counts))
	header |= n & lengthLowMask
	if n&0x80 != 0 {
		header |= lengthHighMask
	}

	out := make([]byte, 0, 2+2*len(counts))
	out = append(out, byte(header>>8), byte(header))
	for _, c := range counts {
		w := encodeAux(c)
		out = append(out, byte(w>>8), byte(w))
	}
	return out
}

// encodeAux packs a 10-bit count into the aux word layout: bits 6-0 stay
// in place, bits 9-7 move up one position, the fixed bits stay zero.
func encodeAux(v uint16) uint16 {
	return v&auxLowMask | (v&^auxLowMask)<<1&auxHighMask
}
