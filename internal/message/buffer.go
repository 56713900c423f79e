package message

import "sync"

// MaxBufferMessages is the number of recent messages retained per match.
const MaxBufferMessages = 5

// BufferedMessage represents a single message stored in the ring buffer.
type BufferedMessage struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	SentAt    int64  `json:"sent_at"`
}

// Buffer stores the last N messages per match in memory for fast replay on
// reconnect. It is goroutine-safe and uses a ring buffer internally.
type Buffer struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // matchID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of BufferedMessage.
type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

// NewBuffer creates a new empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the match's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (b *Buffer) Add(matchID string, msg BufferedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rb, ok := b.buffers[matchID]
	if !ok {
		rb = &ringBuffer{
			items: make([]BufferedMessage, MaxBufferMessages),
		}
		b.buffers[matchID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxBufferMessages
	if rb.count < MaxBufferMessages {
		rb.count++
	}
}

// Get returns the last N messages for a match in chronological order
// (oldest first). Returns an empty slice if the match has no buffer.
func (b *Buffer) Get(matchID string) []BufferedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rb, ok := b.buffers[matchID]
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	// The oldest message is at position (pos - count) mod MaxBufferMessages.
	start := (rb.pos - rb.count + MaxBufferMessages) % MaxBufferMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxBufferMessages]
	}
	return result
}

// Remove deletes the buffer for a match (called on unmatch).
func (b *Buffer) Remove(matchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.buffers, matchID)
}
