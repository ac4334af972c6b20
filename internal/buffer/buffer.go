// Package buffer implements the ref-counted, pooled message buffer shared
// by the I/O, CoAP, OSCORE and application stages.
package buffer

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/knx-iot/gateway/internal/metrics"
)

// Flags describe transport and security properties of a message's endpoint.
type Flags uint16

const (
	FlagIPv6 Flags = 1 << iota
	FlagIPv4
	FlagSecured
	FlagMulticast
	FlagDiscovery
	FlagOSCORE
	FlagOSCOREEncrypted
	FlagOSCOREDecrypted
	FlagAccepted
	FlagTCP
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Endpoint identifies a message's origin or destination.
type Endpoint struct {
	DeviceIndex    int
	Flags          Flags
	Local          netip.AddrPort
	Remote         netip.AddrPort
	InterfaceIndex int
	// SenderID is the OSCORE Sender ID, at most 13 bytes.
	SenderID []byte
	// GroupAddress matches a decrypted multicast message back to a local
	// data-point mapping.
	GroupAddress uint32
	AuthTokenIdx int
	LastPIV      uint64
}

var ErrPoolExhausted = errors.New("buffer: pool exhausted")

// Message is a scoped, reference-counted byte container.
type Message struct {
	Data     []byte
	Length   int
	Endpoint Endpoint

	pool     *Pool
	refCount int32
}

// Ref increments the reference count. Per the scheduler's single-threaded
// ordering guarantee this requires no lock: increments always happen on
// the main loop after the allocating mutex has already been released.
func (m *Message) Ref() {
	atomic.AddInt32(&m.refCount, 1)
}

// Unref decrements the reference count, returning the buffer to its pool
// once it reaches zero. Double-free (driving the count below zero) is
// counted in the dropped-buffers metric rather than panicking, since a
// dropped duplicate unref must not crash the event loop.
func (m *Message) Unref() {
	n := atomic.AddInt32(&m.refCount, -1)
	if n > 0 {
		return
	}
	if n < 0 {
		metrics.BuffersDroppedTotal.WithLabelValues(m.pool.name, "double_free").Inc()
		return
	}
	m.pool.release(m)
}

// RefCount reports the current reference count, for tests.
func (m *Message) RefCount() int32 {
	return atomic.LoadInt32(&m.refCount)
}

// Pool is a bounded allocator for Message buffers. A single mutex guards
// only the allocate and free boundaries; everything else on a checked-out
// Message is touched exclusively by the single-threaded scheduler.
type Pool struct {
	name     string
	mu       sync.Mutex
	capacity int
	dynamic  bool
	free     []*Message
	inUse    int
}

// New creates a pool of the given nominal capacity. When dynamic is false
// the pool pre-allocates capacity buffers of maxPDU bytes each and never
// grows past it; when true, Allocate creates a new buffer whenever the
// free list is empty, and capacity only bounds how many released buffers
// are kept on the free list for reuse.
func New(name string, capacity int, dynamic bool, maxPDU int) *Pool {
	p := &Pool{
		name:     name,
		capacity: capacity,
		dynamic:  dynamic,
	}
	if !dynamic {
		p.free = make([]*Message, 0, capacity)
		for i := 0; i < capacity; i++ {
			p.free = append(p.free, &Message{Data: make([]byte, maxPDU), pool: p})
		}
	}
	return p
}

// Allocate takes the pool's mutex, hands out a buffer, and initializes its
// endpoint and reference count before releasing the mutex.
func (p *Pool) Allocate(maxPDU int) (*Message, error) {
	p.mu.Lock()
	var msg *Message
	if len(p.free) > 0 {
		msg = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	} else if p.dynamic {
		msg = &Message{Data: make([]byte, maxPDU), pool: p}
	} else {
		p.mu.Unlock()
		metrics.BuffersDroppedTotal.WithLabelValues(p.name, "exhausted").Inc()
		return nil, ErrPoolExhausted
	}
	p.inUse++
	inUse := p.inUse

	msg.Length = 0
	msg.refCount = 1
	msg.Endpoint = Endpoint{InterfaceIndex: -1}
	p.mu.Unlock()

	metrics.BuffersAllocatedTotal.WithLabelValues(p.name).Inc()
	metrics.BuffersInUse.WithLabelValues(p.name).Set(float64(inUse))
	return msg, nil
}

func (p *Pool) release(msg *Message) {
	p.mu.Lock()
	p.inUse--
	inUse := p.inUse
	if !p.dynamic || len(p.free) < p.capacity {
		p.free = append(p.free, msg)
	}
	p.mu.Unlock()

	metrics.BuffersFreedTotal.WithLabelValues(p.name).Inc()
	metrics.BuffersInUse.WithLabelValues(p.name).Set(float64(inUse))
}

// InUse reports the number of buffers currently checked out, for tests
// asserting the in-use count returns to its pre-event value once every
// reference on a buffer has been released.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
