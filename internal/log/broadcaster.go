package log

import (
	"io"
	"sync"
)

const defaultSubscriberBuffer = 256

// Broadcaster is an io.Writer that copies every Write to all subscriber
// channels. It is safe for concurrent use.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	bufSize     int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan []byte]struct{}),
		bufSize:     defaultSubscriberBuffer,
	}
}

// Write never blocks: a subscriber whose channel is full misses the line.
func (b *Broadcaster) Write(p []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subscribers) == 0 {
		return len(p), nil
	}
	line := make([]byte, len(p))
	copy(line, p)
	for ch := range b.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return len(p), nil
}

// Subscribe returns a channel receiving every subsequent line. Release it
// with Unsubscribe.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, b.bufSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var _ io.Writer = (*Broadcaster)(nil)
