package signal

import (
	"errors"
	"testing"

	"github.com/ilyakh/castroom/internal/core"
)

func frame(s string, critical bool) core.Frame {
	return core.Frame{Data: []byte(s), Critical: critical}
}

func TestQueueFIFO(t *testing.T) {
	q := newSendQueue(4)
	for _, s := range []string{"a", "b", "c"} {
		if err := q.push(frame(s, false)); err != nil {
			t.Fatalf("push %s: %v", s, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		f, ok := q.pop()
		if !ok || string(f.Data) != want {
			t.Fatalf("pop = %q/%v, want %q", f.Data, ok, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("pop on empty queue succeeded")
	}
}

func TestQueueOverflowEvictsOldestChat(t *testing.T) {
	q := newSendQueue(3)
	_ = q.push(frame("chat1", false))
	_ = q.push(frame("leave", true))
	_ = q.push(frame("chat2", false))

	// Full. The next push must evict chat1, the oldest non-critical.
	if err := q.push(frame("chat3", false)); err != nil {
		t.Fatalf("push into full queue: %v", err)
	}

	var got []string
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, string(f.Data))
	}
	want := []string{"leave", "chat2", "chat3"}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("drained[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueueCriticalNeverDropped(t *testing.T) {
	q := newSendQueue(2)
	_ = q.push(frame("leave1", true))
	_ = q.push(frame("leave2", true))

	// Nothing evictable: an incoming chat is the one dropped.
	if err := q.push(frame("chat", false)); !errors.Is(err, ErrBackpressure) {
		t.Errorf("chat into all-critical queue: err = %v, want ErrBackpressure", err)
	}

	// A critical frame is admitted even past the bound.
	if err := q.push(frame("leave3", true)); err != nil {
		t.Errorf("critical into full queue: %v", err)
	}

	count := 0
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		if !f.Critical {
			t.Errorf("non-critical frame survived: %q", f.Data)
		}
		count++
	}
	if count != 3 {
		t.Errorf("drained %d critical frames, want 3", count)
	}
}

func TestQueueClosed(t *testing.T) {
	q := newSendQueue(2)
	q.close()
	if err := q.push(frame("late", true)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("push after close: err = %v, want ErrQueueClosed", err)
	}
	if _, ok := q.pop(); ok {
		t.Error("pop after close returned a frame")
	}
}
