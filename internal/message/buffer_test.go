package message

import (
	"fmt"
	"sync"
	"testing"
)

func TestAddAndGet(t *testing.T) {
	b := NewBuffer()

	b.Add("m1", BufferedMessage{SenderID: "a", Content: "hello", SentAt: 1})
	b.Add("m1", BufferedMessage{SenderID: "b", Content: "hi", SentAt: 2})
	b.Add("m1", BufferedMessage{SenderID: "a", Content: "how are you?", SentAt: 3})

	msgs := b.Get("m1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Errorf("expected first message 'hello', got %q", msgs[0].Content)
	}
	if msgs[1].Content != "hi" {
		t.Errorf("expected second message 'hi', got %q", msgs[1].Content)
	}
	if msgs[2].Content != "how are you?" {
		t.Errorf("expected third message 'how are you?', got %q", msgs[2].Content)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	b := NewBuffer()

	// Add 7 messages; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		b.Add("m1", BufferedMessage{
			SenderID: "sender",
			Content:  fmt.Sprintf("msg-%d", i),
			SentAt:   int64(i),
		})
	}

	msgs := b.Get("m1")
	if len(msgs) != MaxBufferMessages {
		t.Fatalf("expected %d messages, got %d", MaxBufferMessages, len(msgs))
	}

	// Should contain messages 3 through 7 in order.
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if msg.Content != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Content)
		}
	}
}

func TestGetNonExistentMatch(t *testing.T) {
	b := NewBuffer()

	msgs := b.Get("does-not-exist")
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestRemove(t *testing.T) {
	b := NewBuffer()

	b.Add("m1", BufferedMessage{SenderID: "a", Content: "hello", SentAt: 1})
	b.Add("m1", BufferedMessage{SenderID: "b", Content: "hi", SentAt: 2})

	b.Remove("m1")

	msgs := b.Get("m1")
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages after remove, got %d", len(msgs))
	}
}

func TestRemoveNonExistent(t *testing.T) {
	b := NewBuffer()

	// Should not panic.
	b.Remove("does-not-exist")
}

func TestMultipleMatches(t *testing.T) {
	b := NewBuffer()

	b.Add("m1", BufferedMessage{SenderID: "a", Content: "m1-msg1", SentAt: 1})
	b.Add("m2", BufferedMessage{SenderID: "b", Content: "m2-msg1", SentAt: 2})
	b.Add("m1", BufferedMessage{SenderID: "b", Content: "m1-msg2", SentAt: 3})

	msgs1 := b.Get("m1")
	msgs2 := b.Get("m2")

	if len(msgs1) != 2 {
		t.Fatalf("m1: expected 2 messages, got %d", len(msgs1))
	}
	if len(msgs2) != 1 {
		t.Fatalf("m2: expected 1 message, got %d", len(msgs2))
	}
	if msgs1[0].Content != "m1-msg1" || msgs1[1].Content != "m1-msg2" {
		t.Errorf("m1 messages out of order: %+v", msgs1)
	}
	if msgs2[0].Content != "m2-msg1" {
		t.Errorf("m2 unexpected message: %+v", msgs2[0])
	}
}

func TestConcurrentAccess(t *testing.T) {
	b := NewBuffer()
	matchID := "concurrent-match"
	goroutines := 100
	messagesPerGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < messagesPerGoroutine; m++ {
				b.Add(matchID, BufferedMessage{
					SenderID: fmt.Sprintf("sender-%d", id),
					Content:  fmt.Sprintf("g%d-m%d", id, m),
					SentAt:   int64(id*messagesPerGoroutine + m),
				})
				// Interleave reads to stress the RWMutex.
				_ = b.Get(matchID)
			}
		}(g)
	}

	wg.Wait()

	msgs := b.Get(matchID)
	if len(msgs) != MaxBufferMessages {
		t.Fatalf("expected %d messages after concurrent writes, got %d", MaxBufferMessages, len(msgs))
	}
}
