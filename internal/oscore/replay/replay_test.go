package replay

import (
	"testing"
	"time"

	"github.com/knx-iot/gateway/internal/buffer"
)

func sender(b byte) []byte { return []byte{b} }

func TestCheck_UnsynchronizedWithoutRecord(t *testing.T) {
	p := New(20, 32)
	if got := p.Check(sender(1), nil, 5); got != Unsynchronized {
		t.Fatalf("expected Unsynchronized, got %v", got)
	}
}

func TestCheck_AcceptsFirstKnownSSN(t *testing.T) {
	p := New(20, 32)
	p.Add(sender(1), nil, 5)
	if got := p.Check(sender(1), nil, 6); got != Accepted {
		t.Fatalf("expected Accepted, got %v", got)
	}
}

// TestCheck_ReplayMonotonicity asserts that after accepting a sequence
// number, no subsequent call accepts that same number or any earlier
// number still within the window.
func TestCheck_ReplayMonotonicity(t *testing.T) {
	p := New(20, 32)
	p.Add(sender(1), nil, 8)
	if got := p.Check(sender(1), nil, 8); got != Replayed {
		t.Fatalf("expected replay of the exact accepted ssn, got %v", got)
	}
	if got := p.Check(sender(1), nil, 6); got != Accepted {
		t.Fatalf("expected first-seen ssn within window accepted, got %v", got)
	}
	if got := p.Check(sender(1), nil, 6); got != Replayed {
		t.Fatalf("expected second copy of ssn 6 rejected, got %v", got)
	}
}

// TestCheck_WindowSlide asserts that accepting a sequence number s greater
// than the current ssn_high, with s - ssn_high = k within the window
// size, shifts the bitmap by k (leaving bit k set) and advances
// ssn_high to s.
func TestCheck_WindowSlide(t *testing.T) {
	p := New(20, 32)
	p.Add(sender(1), nil, 8) // window = 1 (bit 0 set)

	if got := p.Check(sender(1), nil, 9); got != Accepted {
		t.Fatalf("expected Accepted, got %v", got)
	}

	rec := p.find(sender(1), nil)
	if rec.SSNHigh != 9 {
		t.Errorf("expected ssn_high=9, got %d", rec.SSNHigh)
	}
	// shifted bit0 (old ssn_high=8) to bit1, plus freshly set bit0 for ssn=9.
	if rec.Window != 0b11 {
		t.Errorf("expected window 0b11, got %b", rec.Window)
	}
}

func TestCheck_TooOldRejected(t *testing.T) {
	p := New(20, 32)
	p.Add(sender(1), nil, 100)
	if got := p.Check(sender(1), nil, 100-32); got != TooOld {
		t.Fatalf("expected TooOld, got %v", got)
	}
}

func TestCheck_WindowJumpTooBigRejected(t *testing.T) {
	p := New(20, 32)
	p.Add(sender(1), nil, 5)
	if got := p.Check(sender(1), nil, 5+33); got != WindowJumpTooBig {
		t.Fatalf("expected WindowJumpTooBig, got %v", got)
	}
}

func TestAdd_EvictsOldestWhenFull(t *testing.T) {
	p := New(2, 32)
	p.records[0].LastUse = time.Now().Add(-time.Hour)
	p.records[0].inUse = true
	p.records[0].SenderID = sender(9)
	p.records[1].LastUse = time.Now()
	p.records[1].inUse = true
	p.records[1].SenderID = sender(8)

	p.Add(sender(1), nil, 1)

	if p.find(sender(9), nil) != nil {
		t.Error("expected oldest record to be evicted")
	}
	if p.find(sender(8), nil) == nil {
		t.Error("expected newer record to survive eviction")
	}
	if p.find(sender(1), nil) == nil {
		t.Error("expected new record to be present")
	}
}

func TestAdd_SeparatesContexts(t *testing.T) {
	p := New(20, 32)
	p.Add(sender(1), []byte("ctxA"), 10)
	p.Add(sender(1), []byte("ctxB"), 20)

	recA := p.find(sender(1), []byte("ctxA"))
	recB := p.find(sender(1), []byte("ctxB"))
	if recA == nil || recB == nil {
		t.Fatal("expected both context-scoped records to exist")
	}
	if recA.SSNHigh != 10 || recB.SSNHigh != 20 {
		t.Errorf("expected independent ssn_high per context, got %d / %d", recA.SSNHigh, recB.SSNHigh)
	}
}

func TestMessageCache_TrackAndFind(t *testing.T) {
	pool := buffer.New("test", 2, false, 64)
	msg, _ := pool.Allocate(64)

	c := NewMessageCache(2, time.Minute)
	c.Track([]byte{0xAA}, msg)

	found := c.FindByToken([]byte{0xAA})
	if found != msg {
		t.Fatal("expected to find tracked message by token")
	}
	if msg.RefCount() != 2 {
		t.Errorf("expected extra ref held while tracked, got refcount=%d", msg.RefCount())
	}

	c.Untrack([]byte{0xAA})
	if msg.RefCount() != 1 {
		t.Errorf("expected ref released on untrack, got refcount=%d", msg.RefCount())
	}
	if c.FindByToken([]byte{0xAA}) != nil {
		t.Error("expected untracked message not found")
	}
}

func TestMessageCache_ScrubExpiredReleasesRef(t *testing.T) {
	pool := buffer.New("test", 1, false, 64)
	msg, _ := pool.Allocate(64)

	c := NewMessageCache(1, time.Millisecond)
	c.Track([]byte{0x01}, msg)

	time.Sleep(5 * time.Millisecond)
	c.ScrubExpired(time.Now())

	if msg.RefCount() != 1 {
		t.Errorf("expected expired entry's ref released, got refcount=%d", msg.RefCount())
	}
	if c.FindByToken([]byte{0x01}) != nil {
		t.Error("expected expired entry removed from cache")
	}
}
