// Package producer turns raw capture buffers into published frames.
//
// The capture source hands buffers to a single-slot mailbox and returns
// immediately. A dedicated worker takes the newest buffer, encodes it and
// publishes it to the frame sink. When the worker falls behind, the unread
// buffer is overwritten so there is never a backlog.
package producer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/screenshare/streaming-server/internal/capture"
	"github.com/dj-oyu/screenshare/streaming-server/internal/encoder"
	"github.com/dj-oyu/screenshare/streaming-server/internal/framesink"
	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
	"github.com/dj-oyu/screenshare/streaming-server/internal/metrics"
	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

var errAlreadyStarted = errors.New("producer already started")

// Producer owns the capture source once started and releases it on Stop.
type Producer struct {
	source  capture.Source
	encoder encoder.Encoder
	sink    *framesink.Sink
	metrics *metrics.Metrics

	// Mailbox: single slot, newest wins.
	mu      sync.Mutex
	cond    *sync.Cond
	pending *types.RawBuffer
	closed  bool
	started bool

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New creates a Producer. m may be nil.
func New(source capture.Source, enc encoder.Encoder, sink *framesink.Sink, m *metrics.Metrics) *Producer {
	if m == nil {
		m = metrics.New()
	}
	p := &Producer{
		source:  source,
		encoder: enc,
		sink:    sink,
		metrics: m,
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the encode worker and then the capture source. If the
// source fails to start, the worker is shut down before Start returns.
func (p *Producer) Start() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("producer stopped")
	}
	if p.started {
		p.mu.Unlock()
		return errAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	go p.run()

	if err := p.source.Start(p.offer); err != nil {
		p.closeMailbox()
		<-p.done
		return fmt.Errorf("start capture source: %w", err)
	}

	logger.Info("Producer", "Frame producer started")
	return nil
}

// offer is the capture callback. It never blocks on encoding.
func (p *Producer) offer(buf *types.RawBuffer) {
	if buf == nil {
		return
	}
	p.metrics.FramesCaptured.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if p.pending != nil {
		p.metrics.FramesDropped.Add(1)
	}
	p.pending = buf
	p.cond.Signal()
}

// take blocks until a buffer is pending or the mailbox closes. It returns nil
// on close.
func (p *Producer) take() *types.RawBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.pending == nil && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		p.pending = nil
		return nil
	}
	buf := p.pending
	p.pending = nil
	return buf
}

func (p *Producer) run() {
	defer close(p.done)

	for {
		buf := p.take()
		if buf == nil {
			return
		}
		p.process(buf)
	}
}

func (p *Producer) process(buf *types.RawBuffer) {
	start := time.Now()
	data, err := p.encoder.Encode(buf)
	if err != nil {
		p.metrics.EncodeErrors.Add(1)
		logger.Warn("Producer", "Skipping frame: %v", err)
		return
	}
	p.metrics.ObserveEncode(time.Since(start), len(data))

	ts := buf.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p.sink.Publish(&types.Frame{
		Data:      data,
		Timestamp: ts,
		Width:     buf.Width,
		Height:    buf.Height,
	})
	p.metrics.FramesPublished.Add(1)
}

func (p *Producer) closeMailbox() {
	p.mu.Lock()
	p.closed = true
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Stop ignores further capture callbacks, stops the source and waits for the
// worker to exit. Repeated calls return the first result.
func (p *Producer) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()

		p.closeMailbox()

		if err := p.source.Stop(); err != nil {
			p.stopErr = fmt.Errorf("stop capture source: %w", err)
		}
		if started {
			<-p.done
		}
		logger.Info("Producer", "Frame producer stopped")
	})
	return p.stopErr
}
