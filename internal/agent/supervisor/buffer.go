package supervisor

import "sync"

// OutputBuffer is a bounded ring of output lines with non-blocking fan-out to
// channel subscribers. Slow subscribers miss lines rather than stall readers.
type OutputBuffer struct {
	mu       sync.RWMutex
	lines    []string
	capacity int
	start    int
	count    int
	subs     map[int]chan string
	nextSub  int
}

// NewOutputBuffer creates a ring buffer holding up to capacity lines.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &OutputBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
		subs:     make(map[int]chan string),
	}
}

// Append adds a line, evicting the oldest when full, and notifies subscribers.
func (b *OutputBuffer) Append(line string) {
	b.mu.Lock()
	idx := (b.start + b.count) % b.capacity
	b.lines[idx] = line
	if b.count < b.capacity {
		b.count++
	} else {
		b.start = (b.start + 1) % b.capacity
	}
	subs := make([]chan string, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Lines returns a snapshot of the buffered lines, oldest first.
func (b *OutputBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%b.capacity]
	}
	return out
}

// Len returns the number of buffered lines.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Subscribe returns a channel receiving future lines and an unsubscribe func.
func (b *OutputBuffer) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan string, 64)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
}
