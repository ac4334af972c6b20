package buffer

import "testing"

func TestAllocate_InitializesMessage(t *testing.T) {
	p := New("test", 4, false, 64)
	msg, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.RefCount() != 1 {
		t.Errorf("expected refcount 1, got %d", msg.RefCount())
	}
	if msg.Length != 0 {
		t.Errorf("expected length 0, got %d", msg.Length)
	}
	if msg.Endpoint.InterfaceIndex != -1 {
		t.Errorf("expected interface index -1, got %d", msg.Endpoint.InterfaceIndex)
	}
	if msg.Endpoint.Flags != 0 {
		t.Errorf("expected flags cleared, got %d", msg.Endpoint.Flags)
	}
}

func TestAllocate_FixedPoolExhaustion(t *testing.T) {
	p := New("test", 2, false, 64)
	if _, err := p.Allocate(64); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Allocate(64); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Allocate(64); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestAllocate_DynamicPoolGrows(t *testing.T) {
	p := New("test", 1, true, 64)
	msgs := make([]*Message, 0, 5)
	for i := 0; i < 5; i++ {
		msg, err := p.Allocate(64)
		if err != nil {
			t.Fatalf("unexpected error on allocate %d: %v", i, err)
		}
		msgs = append(msgs, msg)
	}
	if p.InUse() != 5 {
		t.Errorf("expected 5 in use, got %d", p.InUse())
	}
}

// TestUnref_ReturnsToPoolAtZero asserts that after a fully processed
// datagram the pool's in-use count returns to its pre-event value.
func TestUnref_ReturnsToPoolAtZero(t *testing.T) {
	p := New("test", 2, false, 64)
	before := p.InUse()

	msg, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.InUse() != before+1 {
		t.Fatalf("expected in-use to increase by 1, got %d", p.InUse())
	}

	msg.Unref()
	if p.InUse() != before {
		t.Errorf("expected in-use to return to %d, got %d", before, p.InUse())
	}
}

// TestRef_DelaysFree asserts that a buffer is not freed while its ref
// count is still above zero.
func TestRef_DelaysFree(t *testing.T) {
	p := New("test", 1, false, 64)
	msg, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg.Ref()
	if msg.RefCount() != 2 {
		t.Fatalf("expected refcount 2, got %d", msg.RefCount())
	}

	msg.Unref()
	if msg.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after first unref, got %d", msg.RefCount())
	}
	if p.InUse() != 1 {
		t.Errorf("expected buffer still checked out, got in-use=%d", p.InUse())
	}

	msg.Unref()
	if p.InUse() != 0 {
		t.Errorf("expected buffer freed after second unref, got in-use=%d", p.InUse())
	}
}

func TestUnref_DoubleFreeDoesNotGoNegative(t *testing.T) {
	p := New("test", 1, false, 64)
	msg, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg.Unref()
	msg.Unref() // double-free: must not decrement in-use below zero
	if p.InUse() != 0 {
		t.Errorf("expected in-use to remain 0 after double free, got %d", p.InUse())
	}
}

func TestAllocate_ReusesFreedSlot(t *testing.T) {
	p := New("test", 1, false, 64)
	msg, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg.Data[0] = 0xAB
	msg.Unref()

	msg2, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("unexpected error on reallocate: %v", err)
	}
	if msg2.Length != 0 || msg2.RefCount() != 1 {
		t.Errorf("expected reallocated message reinitialized, got length=%d refcount=%d", msg2.Length, msg2.RefCount())
	}
}
