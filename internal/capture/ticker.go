package capture

import (
	"sync"
	"time"

	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

// tickLoop drives a grab function at a fixed rate on its own goroutine.
// Screen and pattern sources share it.
type tickLoop struct {
	interval time.Duration
	grab     func(now time.Time) (*types.RawBuffer, error)
	onError  func(err error)

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newTickLoop(fps int, grab func(time.Time) (*types.RawBuffer, error), onError func(error)) *tickLoop {
	return &tickLoop{
		interval: time.Second / time.Duration(fps),
		grab:     grab,
		onError:  onError,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *tickLoop) start(handler FrameHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.stop:
		return errStopped
	default:
	}
	if l.started {
		return errAlreadyStarted
	}
	l.started = true

	go l.run(handler)
	return nil
}

func (l *tickLoop) run(handler FrameHandler) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			buf, err := l.grab(now)
			if err != nil {
				if l.onError != nil {
					l.onError(err)
				}
				continue
			}
			handler(buf)
		}
	}
}

// halt stops the loop and waits for it to exit. Safe before start and when
// called repeatedly.
func (l *tickLoop) halt() {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.stop)
		started := l.started
		l.mu.Unlock()
		if started {
			<-l.done
		}
	})
}
