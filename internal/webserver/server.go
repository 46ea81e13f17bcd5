package webserver

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/screenshare/streaming-server/internal/framesink"
	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
	"github.com/dj-oyu/screenshare/streaming-server/internal/metrics"
	"github.com/dj-oyu/screenshare/streaming-server/internal/stream"
)

// Options wire the router to the running pipeline.
type Options struct {
	Sink         *framesink.Sink
	Broadcaster  *stream.Broadcaster
	Metrics      *metrics.Metrics
	WriteTimeout time.Duration

	// Advertise returns the host:port shown on the index page.
	Advertise func() string
	// State reports the lifecycle state for /api/status.
	State func() string
	// StartedAt is when the service started serving.
	StartedAt time.Time
}

// Server routes requests for snapshots, streams, status and the index page.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer returns a router over opts.
func NewServer(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Advertise == nil {
		opts.Advertise = func() string { return "127.0.0.1" }
	}
	if opts.State == nil {
		opts.State = func() string { return "running" }
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			// Viewers are not authenticated; any page may embed the stream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.recoverPanics(http.HandlerFunc(s.route))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/screenshot"):
		s.handleSnapshot(w, r)
	case strings.HasPrefix(path, "/stream.mjpg"):
		s.handleMJPEG(w, r)
	case strings.HasPrefix(path, "/stream.ws"):
		s.handleWebSocket(w, r)
	case path == "/api/status":
		s.handleStatus(w, r)
	default:
		s.handleIndex(w, r)
	}
}

// recoverPanics answers a panicking handler with 500 instead of dropping the
// connection. http.ErrAbortHandler keeps its meaning. Once the response has
// started, a 500 can no longer be sent, so the connection is aborted instead.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logger.Error("HTTP", "Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			if tw.started.Load() {
				panic(http.ErrAbortHandler)
			}
			http.Error(w, fmt.Sprintf("Server error: %v", rec), http.StatusInternalServerError)
		}()
		next.ServeHTTP(tw, r)
	})
}

// trackingWriter records whether the response has started. Stream sessions
// write from their own goroutine, hence the atomic.
type trackingWriter struct {
	http.ResponseWriter
	started atomic.Bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.started.Store(true)
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	w.started.Store(true)
	return w.ResponseWriter.Write(p)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.started.Store(true)
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.opts.Metrics.SnapshotRequests.Add(1)
	w.Header().Set("Cache-Control", "no-cache")

	frame, ok := s.opts.Sink.Latest()
	if !ok {
		s.opts.Metrics.SnapshotEmpty.Add(1)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(frame.Size()))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(frame.Data); err != nil {
		logger.Debug("HTTP", "Snapshot client went away: %v", err)
	}
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", stream.MultipartContentType)
		w.WriteHeader(http.StatusOK)
		return
	}

	mw := stream.NewMultipartWriter(w, s.opts.WriteTimeout)
	if err := mw.WriteHeaders(); err != nil {
		logger.Debug("MJPEG", "Client went away before first frame: %v", err)
		return
	}

	session, err := s.opts.Broadcaster.Attach(r.Context(), mw)
	if err != nil {
		logger.Debug("MJPEG", "Rejecting stream client %s: %v", r.RemoteAddr, err)
		return
	}
	logger.Debug("MJPEG", "Client %s streaming as %s", r.RemoteAddr, session.ID())

	<-session.Done()
	if err := session.Err(); err != nil {
		logger.Debug("MJPEG", "Client %s disconnected after %d frames: %v", r.RemoteAddr, session.FramesSent(), err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		logger.Debug("WebSocket", "Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	ww := stream.NewWebSocketWriter(conn, s.opts.WriteTimeout)
	defer ww.Close()

	session, err := s.opts.Broadcaster.Attach(r.Context(), ww)
	if err != nil {
		logger.Debug("WebSocket", "Rejecting stream client %s: %v", r.RemoteAddr, err)
		return
	}

	select {
	case <-session.Done():
	case <-ww.Closed():
		s.opts.Broadcaster.Detach(session.ID())
		<-session.Done()
	}
	logger.Debug("WebSocket", "Client %s left after %d frames", r.RemoteAddr, session.FramesSent())
}
