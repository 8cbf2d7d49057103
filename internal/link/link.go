// Package link owns the serial connection to the instrument: open, read,
// silence detection, and reopen with backoff. It is the only component
// that touches the physical port handle.
package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of the serial port the manager uses. go.bug.st's
// serial.Port satisfies it; tests substitute scripted fakes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// OpenFunc opens the configured port. OpenSerial is the production
// implementation; the demo source and tests supply their own.
type OpenFunc func(cfg Config) (Port, error)

// Config holds link settings. ISP2 instruments talk 19200 baud 8N1 and
// stream continuously, so a read that returns nothing within ReadTimeout
// means the link is silent, not merely idle.
type Config struct {
	// PortPath is the device path, e.g. /dev/ttyUSB0.
	PortPath string
	// BaudRate defaults to 19200.
	BaudRate int
	// ReadTimeout is the per-read silence threshold, default 2s.
	ReadTimeout time.Duration
	// MaxSilentReads is how many consecutive silent or failed reads mark
	// the link Failed, default 3.
	MaxSilentReads int
	// ReconnectMin and ReconnectMax bound the reopen backoff,
	// defaults 1s and 60s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 19200
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	if c.MaxSilentReads <= 0 {
		c.MaxSilentReads = 3
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
}

// Chunk is one read's worth of raw bytes plus the connection epoch it
// came from. The epoch increments on every successful (re)open so the
// decoder can discard partial data that straddles two physical
// connections.
type Chunk struct {
	Data  []byte
	Epoch uint64
}

// ErrClosed is returned from ReadChunk after Close.
var ErrClosed = errors.New("link: closed")

// Manager maintains the connection lifecycle. ReadChunk is intended for a
// single dedicated goroutine; the command helpers may be called from
// request handlers and are serialized internally.
type Manager struct {
	cfg    Config
	open   OpenFunc
	notify func(State)

	mu     sync.Mutex
	port   Port
	closed bool

	state   State
	epoch   uint64
	silent  int
	backoff time.Duration

	readBuf [256]byte
}

// NewManager returns a manager for the configured port. open may be nil,
// selecting the real serial implementation. notify, if non-nil, observes
// every state transition.
func NewManager(cfg Config, open OpenFunc, notify func(State)) *Manager {
	cfg.applyDefaults()
	if open == nil {
		open = OpenSerial
	}
	m := &Manager{
		cfg:     cfg,
		open:    open,
		notify:  notify,
		state:   Closed,
		backoff: cfg.ReconnectMin,
	}
	return m
}

// OpenSerial opens the physical port with go.bug.st/serial, 8N1.
func OpenSerial(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: set timeout on %s: %w", cfg.PortPath, err)
	}
	return port, nil
}

// State returns the current link state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the current connection epoch.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		log.Printf("[link] state -> %s", s)
		if m.notify != nil {
			m.notify(s)
		}
	}
}

// Connect performs a single open attempt. The caller (main) wraps it in
// its bounded startup retry; a device that never opens is a startup
// failure and the process exits non-zero.
func (m *Manager) Connect() error {
	port, err := m.open(m.cfg)
	if err != nil {
		m.setState(Failed)
		return err
	}
	m.mu.Lock()
	m.port = port
	m.epoch++
	m.silent = 0
	m.backoff = m.cfg.ReconnectMin
	m.mu.Unlock()
	m.setState(Streaming)
	log.Printf("[link] opened %s at %d baud (epoch %d)", m.cfg.PortPath, m.cfg.BaudRate, m.Epoch())
	return nil
}

// ReadChunk blocks until bytes arrive, handling silence, errors, and
// reopening internally. It returns only when it has data, when ctx is
// done, or after Close.
func (m *Manager) ReadChunk(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}

		m.mu.Lock()
		port, closed := m.port, m.closed
		m.mu.Unlock()
		if closed {
			return Chunk{}, ErrClosed
		}
		if port == nil {
			if err := m.reconnect(ctx); err != nil {
				return Chunk{}, err
			}
			continue
		}

		n, err := port.Read(m.readBuf[:])
		if n > 0 {
			m.mu.Lock()
			m.silent = 0
			epoch := m.epoch
			m.mu.Unlock()
			m.setState(Streaming)
			data := make([]byte, n)
			copy(data, m.readBuf[:n])
			return Chunk{Data: data, Epoch: epoch}, nil
		}

		// Timeout (n == 0, err == nil on a silent line) or read error:
		// both count against the failure threshold.
		m.mu.Lock()
		m.silent++
		silent := m.silent
		m.mu.Unlock()
		if err != nil {
			log.Printf("[link] read error: %v", err)
		}

		if silent >= m.cfg.MaxSilentReads {
			m.setState(Failed)
			m.closePort()
		} else if m.State() == Streaming {
			m.setState(Degraded)
		}
	}
}

// reconnect retries the open with exponential backoff until it succeeds
// or ctx is done.
func (m *Manager) reconnect(ctx context.Context) error {
	for {
		m.setState(Opening)
		err := m.Connect()
		if err == nil {
			return nil
		}

		m.mu.Lock()
		delay := m.backoff
		m.backoff *= 2
		if m.backoff > m.cfg.ReconnectMax {
			m.backoff = m.cfg.ReconnectMax
		}
		m.mu.Unlock()
		log.Printf("[link] reopen failed: %v (retry in %v)", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *Manager) closePort() {
	m.mu.Lock()
	port := m.port
	m.port = nil
	m.mu.Unlock()
	if port != nil {
		port.Close()
	}
}

// Command is a single-byte ISP2 device command. None of them produce a
// reply packet; the stream just continues.
type Command byte

const (
	StartRecordingCommand Command = 'R' // begin recording to device flash
	StopRecordingCommand  Command = 'r' // stop recording
	EraseRecordingCommand Command = 'e' // erase device recordings
	CalibrateCommand      Command = 'c' // run sensor calibration
)

// Send writes a device command to the port. This is the only write path
// the instrument has; temperature acquisition never writes.
func (m *Manager) Send(cmd Command) error {
	m.mu.Lock()
	port := m.port
	m.mu.Unlock()
	if port == nil {
		return fmt.Errorf("link: not connected")
	}
	if _, err := port.Write([]byte{byte(cmd)}); err != nil {
		return fmt.Errorf("link: send %q: %w", byte(cmd), err)
	}
	return nil
}

// Close releases the port. Subsequent ReadChunk calls return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	port := m.port
	m.port = nil
	m.mu.Unlock()

	m.setState(Closed)
	if port != nil {
		return port.Close()
	}
	return nil
}
