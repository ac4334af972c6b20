package blockwise

import (
	"bytes"
	"testing"
)

func testKey() Key {
	return Key{Href: "/fp/g/17", Endpoint: "192.0.2.1:5683", Method: 3, Role: RoleServer}
}

func TestAllocRequest_RejectsDuplicateKey(t *testing.T) {
	m := NewManager()
	if _, err := m.AllocRequest(testKey()); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := m.AllocRequest(testKey()); err == nil {
		t.Fatal("expected error allocating duplicate key")
	}
}

func TestHandleBlock_AppendsInOrder(t *testing.T) {
	s := &State{}
	if err := s.HandleBlock(0, []byte("hello "), 16); err != nil {
		t.Fatalf("block 0: %v", err)
	}
	if err := s.HandleBlock(6, []byte("world"), 16); err != nil {
		t.Fatalf("block 1: %v", err)
	}
	if !bytes.Equal(s.Buffer, []byte("hello world")) {
		t.Errorf("expected reassembled buffer, got %q", s.Buffer)
	}
}

func TestHandleBlock_RejectsGap(t *testing.T) {
	s := &State{}
	s.HandleBlock(0, []byte("hello"), 16)
	if err := s.HandleBlock(10, []byte("world"), 16); err == nil {
		t.Fatal("expected error for out-of-order offset")
	}
}

func TestHandleBlock_RejectsOversizedBlock(t *testing.T) {
	s := &State{}
	if err := s.HandleBlock(0, bytes.Repeat([]byte{1}, 100), 16); err == nil {
		t.Fatal("expected error for block exceeding max size")
	}
}

func TestDispatchBlock_ChunksAndReportsMore(t *testing.T) {
	s := &State{Buffer: bytes.Repeat([]byte("x"), 100)}
	chunk, more, err := s.DispatchBlock(0, 64)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(chunk) != 64 || !more {
		t.Errorf("expected 64-byte chunk with more=true, got len=%d more=%v", len(chunk), more)
	}

	chunk, more, err = s.DispatchBlock(64, 64)
	if err != nil {
		t.Fatalf("dispatch final: %v", err)
	}
	if len(chunk) != 36 || more {
		t.Errorf("expected final 36-byte chunk with more=false, got len=%d more=%v", len(chunk), more)
	}
}

func TestScrub_RemovesOnlyZeroRefCountUnlessAll(t *testing.T) {
	m := NewManager()
	key1 := testKey()
	key2 := Key{Href: "/fp/g/18", Endpoint: "192.0.2.1:5683", Method: 3, Role: RoleServer}

	s1, _ := m.AllocRequest(key1)
	s1.Unref() // refcount 0
	s2, _ := m.AllocRequest(key2) // refcount 1, still in use

	m.Scrub(false)
	if m.FindRequest(key1) != nil {
		t.Error("expected zero-refcount buffer scrubbed")
	}
	if m.FindRequest(key2) == nil {
		t.Error("expected in-use buffer retained")
	}

	_ = s2
	m.Scrub(true)
	if m.FindRequest(key2) != nil {
		t.Error("expected scrub_all to remove in-use buffers too")
	}
}
