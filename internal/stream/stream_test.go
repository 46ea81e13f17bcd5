package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/screenshare/streaming-server/internal/framesink"
	"github.com/dj-oyu/screenshare/streaming-server/internal/metrics"
	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

const testInterval = 2 * time.Millisecond

type recordingWriter struct {
	mu      sync.Mutex
	seqs    []uint64
	failAt  int // fail on this write (1-based), 0 never fails
	written int
}

func (w *recordingWriter) WriteFrame(f *types.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written++
	if w.failAt > 0 && w.written >= w.failAt {
		return errors.New("broken pipe")
	}
	w.seqs = append(w.seqs, f.Seq)
	return nil
}

func (w *recordingWriter) snapshot() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.seqs...)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func publishLoop(sink *framesink.Sink, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		sink.Publish(&types.Frame{Data: []byte("jpeg"), Timestamp: time.Now()})
		time.Sleep(time.Millisecond)
	}
}

func requireMonotonic(t *testing.T, name string, seqs []uint64) {
	t.Helper()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] < seqs[i-1] {
			t.Fatalf("%s: seq went backwards at %d: %v", name, i, seqs)
		}
	}
}

func TestSessionsReceiveFramesIndependently(t *testing.T) {
	sink := framesink.New()
	b := New(sink, testInterval, metrics.New())
	defer b.Close()

	stop := make(chan struct{})
	go publishLoop(sink, stop)
	defer close(stop)

	const k = 4
	writers := make([]*recordingWriter, k)
	sessions := make([]*Session, k)
	for i := 0; i < k; i++ {
		writers[i] = &recordingWriter{}
		s, err := b.Attach(context.Background(), writers[i])
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		sessions[i] = s
	}
	if b.Count() != k {
		t.Fatalf("Count() = %d", b.Count())
	}

	for i, w := range writers {
		waitUntil(t, "frames on session "+strconv.Itoa(i), func() bool { return len(w.snapshot()) >= 5 })
	}

	b.Detach(sessions[0].ID())
	<-sessions[0].Done()
	if sessions[0].Err() != nil {
		t.Fatalf("detached session error: %v", sessions[0].Err())
	}
	if b.Count() != k-1 {
		t.Fatalf("Count() after detach = %d", b.Count())
	}

	// The others keep going.
	for i := 1; i < k; i++ {
		before := len(writers[i].snapshot())
		w := writers[i]
		waitUntil(t, "more frames after detach", func() bool { return len(w.snapshot()) > before+3 })
	}

	for i, w := range writers {
		requireMonotonic(t, "session "+strconv.Itoa(i), w.snapshot())
	}
}

func TestSessionSkipsTicksBeforeFirstFrame(t *testing.T) {
	sink := framesink.New()
	b := New(sink, testInterval, nil)
	defer b.Close()

	w := &recordingWriter{}
	s, err := b.Attach(context.Background(), w)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	time.Sleep(20 * testInterval)
	if n := len(w.snapshot()); n != 0 {
		t.Fatalf("%d writes before any frame was published", n)
	}

	sink.Publish(&types.Frame{Data: []byte{1}})
	waitUntil(t, "first frame", func() bool { return s.FramesSent() > 0 })
}

func TestSessionResendsUnchangedFrame(t *testing.T) {
	sink := framesink.New()
	sink.Publish(&types.Frame{Data: []byte{1}})
	b := New(sink, testInterval, nil)
	defer b.Close()

	w := &recordingWriter{}
	if _, err := b.Attach(context.Background(), w); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitUntil(t, "repeated frames", func() bool { return len(w.snapshot()) >= 3 })
	for _, seq := range w.snapshot() {
		if seq != 1 {
			t.Fatalf("unexpected seq %d", seq)
		}
	}
}

func TestFailingWriterEndsOnlyItsSession(t *testing.T) {
	sink := framesink.New()
	m := metrics.New()
	b := New(sink, testInterval, m)
	defer b.Close()

	stop := make(chan struct{})
	go publishLoop(sink, stop)
	defer close(stop)

	broken := &recordingWriter{failAt: 3}
	healthy := &recordingWriter{}
	bs, err := b.Attach(context.Background(), broken)
	if err != nil {
		t.Fatalf("Attach broken: %v", err)
	}
	if _, err := b.Attach(context.Background(), healthy); err != nil {
		t.Fatalf("Attach healthy: %v", err)
	}

	select {
	case <-bs.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("failing session never ended")
	}
	if bs.Err() == nil {
		t.Fatalf("failing session reported no error")
	}
	if got := m.StreamWriteErrors.Load(); got != 1 {
		t.Fatalf("write errors = %d", got)
	}

	before := len(healthy.snapshot())
	waitUntil(t, "healthy session progress", func() bool { return len(healthy.snapshot()) > before+3 })
	if b.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", b.Count())
	}
}

type panickingWriter struct{}

func (panickingWriter) WriteFrame(*types.Frame) error {
	panic("writer blew up")
}

func TestPanickingWriterEndsOnlyItsSession(t *testing.T) {
	sink := framesink.New()
	m := metrics.New()
	b := New(sink, testInterval, m)
	defer b.Close()

	stop := make(chan struct{})
	go publishLoop(sink, stop)
	defer close(stop)

	healthy := &recordingWriter{}
	if _, err := b.Attach(context.Background(), healthy); err != nil {
		t.Fatalf("Attach healthy: %v", err)
	}
	ps, err := b.Attach(context.Background(), panickingWriter{})
	if err != nil {
		t.Fatalf("Attach panicking: %v", err)
	}

	select {
	case <-ps.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("panicking session never ended")
	}
	var perr *PanicError
	if !errors.As(ps.Err(), &perr) || perr.Value != "writer blew up" {
		t.Fatalf("Err() = %v, want PanicError", ps.Err())
	}
	if got := m.StreamWriteErrors.Load(); got != 1 {
		t.Fatalf("write errors = %d", got)
	}

	before := len(healthy.snapshot())
	waitUntil(t, "healthy session progress", func() bool { return len(healthy.snapshot()) > before+3 })
	if b.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", b.Count())
	}
}

// blockingWriter blocks every write until it is closed.
type blockingWriter struct {
	entered   chan struct{}
	release   chan struct{}
	closeOnce sync.Once
	closes    int
	mu        sync.Mutex
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (w *blockingWriter) WriteFrame(*types.Frame) error {
	select {
	case w.entered <- struct{}{}:
	default:
	}
	<-w.release
	return errors.New("use of closed connection")
}

func (w *blockingWriter) Close() error {
	w.mu.Lock()
	w.closes++
	w.mu.Unlock()
	w.closeOnce.Do(func() { close(w.release) })
	return nil
}

func TestShutdownClosesWritersStuckPastDeadline(t *testing.T) {
	sink := framesink.New()
	sink.Publish(&types.Frame{Data: []byte("jpeg")})
	b := New(sink, testInterval, nil)

	stuck := newBlockingWriter()
	s, err := b.Attach(context.Background(), stuck)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	healthy, err := b.Attach(context.Background(), &recordingWriter{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	select {
	case <-stuck.entered:
	case <-time.After(time.Second):
		t.Fatalf("writer never entered WriteFrame")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = b.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Shutdown took %v", d)
	}

	select {
	case <-healthy.Done():
	case <-time.After(time.Second):
		t.Fatalf("healthy session still running after Shutdown")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("stuck session survived closing its writer")
	}
	stuck.mu.Lock()
	closes := stuck.closes
	stuck.mu.Unlock()
	if closes != 1 {
		t.Fatalf("writer closed %d times", closes)
	}

	// Everything has drained now, so a second shutdown is clean.
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestContextCancelEndsSession(t *testing.T) {
	b := New(framesink.New(), testInterval, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := b.Attach(ctx, &recordingWriter{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session survived context cancel")
	}
}

func TestCloseEndsSessionsAndRejectsAttach(t *testing.T) {
	m := metrics.New()
	b := New(framesink.New(), testInterval, m)

	var sessions []*Session
	for n := 0; n < 3; n++ {
		s, err := b.Attach(context.Background(), &recordingWriter{})
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		sessions = append(sessions, s)
	}
	if len(b.Sessions()) != 3 {
		t.Fatalf("Sessions() = %d", len(b.Sessions()))
	}

	b.Close()
	for _, s := range sessions {
		select {
		case <-s.Done():
		default:
			t.Fatalf("session %s still running after Close", s.ID())
		}
	}
	if m.ActiveSessions.Load() != 0 {
		t.Fatalf("active sessions = %d", m.ActiveSessions.Load())
	}
	if _, err := b.Attach(context.Background(), &recordingWriter{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Attach after Close = %v", err)
	}
	b.Close()
	b.Detach("missing")
}

func TestMultipartWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	mw := NewMultipartWriter(rec, time.Second)
	if err := mw.WriteHeaders(); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}

	frames := [][]byte{[]byte("\xff\xd8first\xff\xd9"), bytes.Repeat([]byte{0xAB}, 300)}
	for _, data := range frames {
		if err := mw.WriteFrame(&types.Frame{Data: data}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	if ct := rec.Header().Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", ct)
	}
	raw := rec.Body.String()
	if !strings.HasPrefix(raw, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 9\r\n\r\n") {
		t.Fatalf("unexpected part header: %q", raw[:60])
	}

	body := io.MultiReader(rec.Body, strings.NewReader("--frame--\r\n"))
	mr := multipart.NewReader(body, Boundary)
	for i, want := range frames {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("part %d Content-Type = %q", i, ct)
		}
		if cl := part.Header.Get("Content-Length"); cl != strconv.Itoa(len(want)) {
			t.Fatalf("part %d Content-Length = %q", i, cl)
		}
		got, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("part %d read: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("part %d body mismatch", i)
		}
	}
}

func TestWebSocketWriterDeliversBinaryFrames(t *testing.T) {
	sink := framesink.New()
	sink.Publish(&types.Frame{Data: []byte("jpeg-bytes")})
	b := New(sink, testInterval, nil)
	defer b.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ww := NewWebSocketWriter(conn, time.Second)
		defer ww.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		s, err := b.Attach(ctx, ww)
		if err != nil {
			return
		}
		select {
		case <-s.Done():
		case <-ww.Closed():
			cancel()
			<-s.Done()
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	for n := 0; n < 2; n++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if mt != websocket.BinaryMessage || string(data) != "jpeg-bytes" {
			t.Fatalf("message = %d %q", mt, data)
		}
	}

	sessions := b.Sessions()
	if len(sessions) != 1 || sessions[0].Transport != "websocket" {
		t.Fatalf("Sessions() = %+v", sessions)
	}

	conn.Close()
	waitUntil(t, "session teardown", func() bool { return b.Count() == 0 })
}
