package link

import (
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/stovelab/tclog/internal/isp2"
)

// DemoPort synthesizes an ISP2 byte stream so the full pipeline and web
// UI can run with no instrument attached. It emits one four-channel
// sensor packet at roughly the TC-4's cadence, with occasional line noise
// and packets split across reads to exercise the decoder.
type DemoPort struct {
	mu      sync.Mutex
	closed  bool
	timeout time.Duration

	t       float64
	pending []byte
	rng     *rand.Rand
}

// OpenDemo is an OpenFunc returning a fresh simulated port.
func OpenDemo(cfg Config) (Port, error) {
	return &DemoPort{
		timeout: cfg.ReadTimeout,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

const demoChannels = 4

// Read returns the next slice of the simulated stream, pacing itself to
// about 12 packets per second.
func (p *DemoPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}

	if len(p.pending) == 0 {
		p.mu.Unlock()
		time.Sleep(80 * time.Millisecond)
		p.mu.Lock()
		if p.closed {
			return 0, io.EOF
		}
		p.pending = p.nextPacket()
	}

	// Sometimes hand out only part of the packet so chunk boundaries
	// land mid-frame.
	n := len(p.pending)
	if n > 3 && p.rng.Intn(4) == 0 {
		n = 1 + p.rng.Intn(n-1)
	}
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, p.pending[:n])
	p.pending = p.pending[n:]
	return n, nil
}

// nextPacket builds one sensor packet: four slowly drifting stove
// temperatures, sporadically preceded by a noise byte.
func (p *DemoPort) nextPacket() []byte {
	p.t += 0.08

	counts := make([]uint16, demoChannels)
	for ch := range counts {
		base := 180.0 + 60.0*float64(ch)
		temp := base + 40.0*math.Sin(p.t/(3.0+float64(ch))) + p.rng.Float64()*2
		if temp < 0 {
			temp = 0
		}
		if temp > 1023 {
			temp = 1023
		}
		counts[ch] = uint16(temp)
	}

	var out []byte
	if p.rng.Intn(10) == 0 {
		out = append(out, byte(p.rng.Intn(0x80))) // line noise
	}
	return append(out, isp2.EncodeSensorFrame(counts, false)...)
}

func (p *DemoPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *DemoPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *DemoPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
