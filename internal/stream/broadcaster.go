// Package stream fans the latest published frame out to long-lived clients.
//
// Every attached session runs its own send loop: on each tick it reads the
// frame sink and writes the current frame, or skips the tick when nothing has
// been published yet. A session ends when its context is cancelled, when it
// is detached, when the broadcaster closes, or when a write fails or panics.
// Sessions share nothing but read access to the sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/screenshare/streaming-server/internal/framesink"
	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
	"github.com/dj-oyu/screenshare/streaming-server/internal/metrics"
	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

// DefaultInterval is the per-session send cadence (~20 fps).
const DefaultInterval = 50 * time.Millisecond

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("stream broadcaster closed")

// FrameWriter delivers one frame to one client.
type FrameWriter interface {
	WriteFrame(frame *types.Frame) error
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID         string
	Transport  string
	Started    time.Time
	FramesSent uint64
	LastSeq    uint64
}

// Session is one attached client.
type Session struct {
	id        string
	transport string
	started   time.Time
	writer    FrameWriter
	cancel    context.CancelFunc
	done      chan struct{}

	sent    atomic.Uint64
	lastSeq atomic.Uint64
	err     error // set before done is closed
}

// PanicError is the session error recorded when a FrameWriter panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stream writer panic: %v", e.Value)
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the send loop has exited and the session is removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// FramesSent returns how many frames were written to the client.
func (s *Session) FramesSent() uint64 { return s.sent.Load() }

// Err returns the write error (or *PanicError) that ended the session, or
// nil if it was cancelled. Only meaningful after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:         s.id,
		Transport:  s.transport,
		Started:    s.started,
		FramesSent: s.sent.Load(),
		LastSeq:    s.lastSeq.Load(),
	}
}

// Broadcaster manages stream sessions reading from one sink.
type Broadcaster struct {
	sink     *framesink.Sink
	interval time.Duration
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a broadcaster. A non-positive interval uses DefaultInterval;
// m may be nil.
func New(sink *framesink.Sink, interval time.Duration, m *metrics.Metrics) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = metrics.New()
	}
	return &Broadcaster{
		sink:     sink,
		interval: interval,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Attach starts a send loop for w. The loop stops when ctx is done.
func (b *Broadcaster) Attach(ctx context.Context, w FrameWriter) (*Session, error) {
	return b.attach(ctx, w, transportName(w))
}

func (b *Broadcaster) attach(ctx context.Context, w FrameWriter, transport string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        uuid.NewString(),
		transport: transport,
		started:   time.Now(),
		writer:    w,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	b.sessions[s.id] = s
	b.metrics.SessionOpened()
	b.wg.Add(1)

	logger.Debug("Stream", "Session %s attached (%s, total: %d)", s.id, transport, len(b.sessions))

	go b.run(sctx, s)
	return s, nil
}

func (b *Broadcaster) run(ctx context.Context, s *Session) {
	defer b.wg.Done()
	defer close(s.done)
	defer b.remove(s)
	defer func() {
		if r := recover(); r != nil {
			s.err = &PanicError{Value: r}
			b.metrics.StreamWriteErrors.Add(1)
			logger.Error("Stream", "Session %s writer panicked: %v", s.id, r)
		}
	}()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		// Unchanged frames are re-sent; clients see a steady cadence.
		if frame, ok := b.sink.Latest(); ok {
			if err := s.writer.WriteFrame(frame); err != nil {
				s.err = err
				b.metrics.StreamWriteErrors.Add(1)
				logger.Debug("Stream", "Session %s write failed: %v", s.id, err)
				return
			}
			s.sent.Add(1)
			s.lastSeq.Store(frame.Seq)
			b.metrics.StreamFramesSent.Add(1)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Broadcaster) remove(s *Session) {
	s.cancel()

	b.mu.Lock()
	delete(b.sessions, s.id)
	remaining := len(b.sessions)
	b.mu.Unlock()

	b.metrics.SessionClosed()
	logger.Debug("Stream", "Session %s detached after %d frames (remaining: %d)", s.id, s.sent.Load(), remaining)
}

// Detach cancels the session with the given ID. Unknown IDs are ignored.
func (b *Broadcaster) Detach(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	b.mu.Unlock()

	if ok {
		s.cancel()
	}
}

// Count returns the number of attached sessions.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Sessions returns a snapshot of the attached sessions, oldest first.
func (b *Broadcaster) Sessions() []SessionInfo {
	b.mu.Lock()
	infos := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		infos = append(infos, s.info())
	}
	b.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	return infos
}

// Close refuses new sessions, cancels the attached ones and waits for their
// loops to exit. A loop blocked in a write returns once the write does.
func (b *Broadcaster) Close() {
	_ = b.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. When ctx ends first, writers that
// implement io.Closer are closed to unblock their loops, and Shutdown returns
// without waiting for the rest. Loops blocked on other writers exit once
// their underlying connection fails.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	first := !b.closed
	b.closed = true
	active := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		active = append(active, s)
	}
	b.mu.Unlock()

	for _, s := range active {
		s.cancel()
	}

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		if first && len(active) > 0 {
			logger.Info("Stream", "Closed %d stream session(s)", len(active))
		}
		return nil
	case <-ctx.Done():
	}

	stuck := 0
	for _, s := range active {
		select {
		case <-s.done:
			continue
		default:
		}
		stuck++
		if c, ok := s.writer.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Debug("Stream", "Session %s close: %v", s.id, err)
			}
		}
	}
	logger.Warn("Stream", "%d stream session(s) still writing at shutdown deadline", stuck)
	return fmt.Errorf("%d stream session(s) still writing: %w", stuck, ctx.Err())
}
