// Package framesink holds the single "latest frame" slot shared between the
// frame producer and every HTTP reader.
//
// Publish replaces the slot with an atomic pointer swap, so readers never
// block the publisher or each other and never see a partially written frame.
// Frames already handed to readers stay valid after a newer frame replaces
// them.
package framesink

import (
	"sync/atomic"

	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

// Sink is safe for one publisher and any number of concurrent readers.
type Sink struct {
	current atomic.Pointer[types.Frame]
	seq     atomic.Uint64
}

// New returns an empty sink.
func New() *Sink {
	return &Sink{}
}

// Publish makes frame the latest frame. The sink stores its own copy of the
// frame header stamped with the next sequence number; Data is shared, not
// copied. A nil frame is ignored.
func (s *Sink) Publish(frame *types.Frame) {
	if frame == nil {
		return
	}
	stored := *frame
	stored.Seq = s.seq.Add(1)
	s.current.Store(&stored)
}

// Latest returns the most recently published frame, or false if nothing has
// been published yet.
func (s *Sink) Latest() (*types.Frame, bool) {
	f := s.current.Load()
	return f, f != nil
}

// Published returns how many frames have been published.
func (s *Sink) Published() uint64 {
	return s.seq.Load()
}
