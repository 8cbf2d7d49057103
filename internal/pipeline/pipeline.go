// Package pipeline wires the acquisition path: link reads feed the
// decoder and extractor on one goroutine, samples cross a bounded
// backlog, and a second goroutine appends them durably. A slow disk can
// therefore never stall serial reads past the backlog bound.
package pipeline

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/stovelab/tclog/internal/health"
	"github.com/stovelab/tclog/internal/isp2"
	"github.com/stovelab/tclog/internal/link"
	"github.com/stovelab/tclog/internal/tslog"
)

// ChunkSource yields raw byte chunks tagged with a connection epoch.
// *link.Manager is the production implementation.
type ChunkSource interface {
	ReadChunk(ctx context.Context) (link.Chunk, error)
}

// Appender persists one sample durably. *tslog.Writer is the production
// implementation.
type Appender interface {
	Append(s tslog.Sample) error
	Close() error
}

// DefaultBacklog is the bounded queue size between decode and persist.
// At the TC-4's ~12 Hz across 4 channels this is about 20 seconds of
// slack before drops begin.
const DefaultBacklog = 1024

// fatalAfter is the number of consecutive failed appends before the
// storage fault is escalated on the watchdog.
const fatalAfter = 3

// Pipeline runs the acquisition-and-logging path.
type Pipeline struct {
	source  ChunkSource
	decoder *isp2.Decoder
	extract *isp2.Extractor
	writer  Appender
	latest  *tslog.Latest
	hp      *health.Health

	backlog chan tslog.Sample
}

// New assembles a pipeline. backlog <= 0 selects DefaultBacklog.
func New(source ChunkSource, decoder *isp2.Decoder, extract *isp2.Extractor,
	writer Appender, latest *tslog.Latest, hp *health.Health, backlog int) *Pipeline {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Pipeline{
		source:  source,
		decoder: decoder,
		extract: extract,
		writer:  writer,
		latest:  latest,
		hp:      hp,
		backlog: make(chan tslog.Sample, backlog),
	}
}

// Run blocks until ctx is done or the source closes, then drains the
// backlog, flushes the writer, and returns. A clean shutdown returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.acquire(ctx) })
	g.Go(func() error { return p.persist(ctx) })
	return g.Wait()
}

// acquire is the only goroutine that blocks on serial I/O.
func (p *Pipeline) acquire(ctx context.Context) error {
	var epoch uint64
	seen := false

	for {
		chunk, err := p.source.ReadChunk(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, link.ErrClosed) {
				return nil
			}
			p.hp.SetError(err)
			return err
		}

		if seen && chunk.Epoch != epoch {
			// New physical connection: never stitch bytes across
			// epochs into one frame, and flag the first samples in
			// case the instrument buffered readings during the gap.
			p.decoder.Reset()
			p.extract.MarkStale(true)
		}
		epoch, seen = chunk.Epoch, true

		frames := p.decoder.Feed(chunk.Data)
		p.hp.SetFraming(p.decoder.FramingErrors(), p.decoder.Overflows())

		for _, f := range frames {
			p.hp.SetRecording(f.Recording())
			for _, s := range p.extract.Extract(f) {
				p.latest.Set(s)
				p.hp.ObserveSample(s.Time)
				p.enqueue(s)
			}
			p.extract.MarkStale(false)
		}
	}
}

// enqueue adds a sample to the backlog without ever blocking the serial
// path. When the backlog is full the oldest buffered sample is dropped
// and counted.
func (p *Pipeline) enqueue(s tslog.Sample) {
	select {
	case p.backlog <- s:
		return
	default:
	}

	select {
	case <-p.backlog:
		p.hp.AddDropped(1)
	default:
	}
	select {
	case p.backlog <- s:
	default:
		p.hp.AddDropped(1)
	}
}

// persist drains the backlog into the writer. Append failures are
// escalated on the watchdog but never stop acquisition; the backlog's
// drop-oldest policy bounds memory while the disk is unwritable.
func (p *Pipeline) persist(ctx context.Context) error {
	defer p.writer.Close()

	consecutive := 0
	appendOne := func(s tslog.Sample) {
		if err := p.writer.Append(s); err != nil {
			consecutive++
			p.hp.ObserveWriteFailure(err, consecutive >= fatalAfter)
			log.Printf("[pipeline] append failed (%d consecutive): %v", consecutive, err)
			return
		}
		if consecutive > 0 {
			p.hp.ClearFatal()
		}
		consecutive = 0
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever the acquisition side managed to enqueue
			// before the shutdown signal, then flush and release.
			for {
				select {
				case s := <-p.backlog:
					appendOne(s)
				default:
					return nil
				}
			}
		case s := <-p.backlog:
			appendOne(s)
		}
	}
}
