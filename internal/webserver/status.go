package webserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
)

// Status is the payload of /api/status.
type Status struct {
	State           string          `json:"state"`
	URL             string          `json:"url"`
	UptimeSeconds   float64         `json:"uptime_seconds"`
	FramesPublished uint64          `json:"frames_published"`
	LastFrame       *FrameStatus    `json:"last_frame"`
	Sessions        []SessionStatus `json:"sessions"`
	Timestamp       float64         `json:"timestamp"`
}

// FrameStatus describes the latest published frame.
type FrameStatus struct {
	Seq        uint64  `json:"seq"`
	Bytes      int     `json:"bytes"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	AgeSeconds float64 `json:"age_seconds"`
}

// SessionStatus describes one stream client.
type SessionStatus struct {
	ID         string  `json:"id"`
	Transport  string  `json:"transport"`
	AgeSeconds float64 `json:"age_seconds"`
	FramesSent uint64  `json:"frames_sent"`
	LastSeq    uint64  `json:"last_seq"`
}

// Status snapshots the pipeline.
func (s *Server) Status() Status {
	now := time.Now()
	st := Status{
		State:     s.opts.State(),
		URL:       "http://" + s.opts.Advertise(),
		Sessions:  []SessionStatus{},
		Timestamp: float64(now.UnixMilli()) / 1000,
	}
	if !s.opts.StartedAt.IsZero() {
		st.UptimeSeconds = now.Sub(s.opts.StartedAt).Seconds()
	}
	if s.opts.Sink != nil {
		st.FramesPublished = s.opts.Sink.Published()
		if f, ok := s.opts.Sink.Latest(); ok {
			fs := &FrameStatus{Seq: f.Seq, Bytes: f.Size(), Width: f.Width, Height: f.Height}
			if !f.Timestamp.IsZero() {
				fs.AgeSeconds = now.Sub(f.Timestamp).Seconds()
			}
			st.LastFrame = fs
		}
	}
	if s.opts.Broadcaster != nil {
		for _, info := range s.opts.Broadcaster.Sessions() {
			st.Sessions = append(st.Sessions, SessionStatus{
				ID:         info.ID,
				Transport:  info.Transport,
				AgeSeconds: now.Sub(info.Started).Seconds(),
				FramesSent: info.FramesSent,
				LastSeq:    info.LastSeq,
			})
		}
	}
	return st
}

// asMap converts the status into the value set structpb accepts.
func (st Status) asMap() map[string]any {
	sessions := make([]any, len(st.Sessions))
	for i, s := range st.Sessions {
		sessions[i] = map[string]any{
			"id":          s.ID,
			"transport":   s.Transport,
			"age_seconds": s.AgeSeconds,
			"frames_sent": s.FramesSent,
			"last_seq":    s.LastSeq,
		}
	}

	var lastFrame any
	if f := st.LastFrame; f != nil {
		lastFrame = map[string]any{
			"seq":         f.Seq,
			"bytes":       f.Bytes,
			"width":       f.Width,
			"height":      f.Height,
			"age_seconds": f.AgeSeconds,
		}
	}

	return map[string]any{
		"state":            st.State,
		"url":              st.URL,
		"uptime_seconds":   st.UptimeSeconds,
		"frames_published": st.FramesPublished,
		"last_frame":       lastFrame,
		"sessions":         sessions,
		"timestamp":        st.Timestamp,
	}
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Status()
	w.Header().Set("Cache-Control", "no-cache")

	if wantsProtobuf(r) {
		msg, err := structpb.NewStruct(st.asMap())
		if err != nil {
			logger.Error("HTTP", "Status protobuf conversion error: %v", err)
			http.Error(w, "Failed to encode status", http.StatusInternalServerError)
			return
		}
		data, err := proto.Marshal(msg)
		if err != nil {
			logger.Error("HTTP", "Status protobuf marshal error: %v", err)
			http.Error(w, "Failed to encode status", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/protobuf")
		w.Header().Set("X-Content-Format", "application/protobuf")
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Format", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logger.Debug("HTTP", "Status write failed: %v", err)
	}
}
