// Package replay implements the OSCORE sliding-window anti-replay filter
// and the soft-reference cache for outbound messages awaiting a possible
// Echo-challenge retransmit. Both structures are touched only from the
// scheduler's main loop and need no internal locking.
package replay

import (
	"bytes"
	"time"

	"github.com/knx-iot/gateway/internal/buffer"
	"github.com/knx-iot/gateway/internal/metrics"
)

// Outcome labels a replay check result, matching the values recorded by
// metrics.ReplayOutcomesTotal.
type Outcome string

const (
	Accepted        Outcome = "accepted"
	Replayed        Outcome = "replayed"
	Unsynchronized  Outcome = "unsynchronized"
	WindowJumpTooBig Outcome = "window_jump_too_big"
	TooOld          Outcome = "too_old"
	// NoContext means no security context at all is provisioned for the
	// sender id: distinct from Unsynchronized (a known peer with no
	// replay record yet) because it must never trigger an Echo
	// challenge — that would let an off-path attacker probe for a live
	// response from an unprovisioned sender id.
	NoContext Outcome = "no_context"
)

// Record is the per-peer replay state: the highest accepted sequence
// number and a sliding bitmap of recently accepted sequence numbers below
// it.
type Record struct {
	SenderID  []byte
	ContextID []byte
	SSNHigh   uint64
	Window    uint32
	LastUse   time.Time
	inUse     bool
}

// Pool holds a bounded set of replay records, evicting the oldest by
// last-use timestamp when full.
type Pool struct {
	records []*Record
	rplwdo  uint64
}

// New creates a pool with the given nominal capacity and replay-window
// delta override (RPLWDO).
func New(capacity int, rplwdo uint32) *Pool {
	records := make([]*Record, capacity)
	for i := range records {
		records[i] = &Record{}
	}
	return &Pool{records: records, rplwdo: uint64(rplwdo)}
}

func idsEqual(aID, aCtx, bID, bCtx []byte) bool {
	if !bytes.Equal(aID, bID) {
		return false
	}
	aEmpty := len(aCtx) == 0
	bEmpty := len(bCtx) == 0
	if aEmpty && bEmpty {
		return true
	}
	return bytes.Equal(aCtx, bCtx)
}

func (p *Pool) find(senderID, contextID []byte) *Record {
	if len(senderID) == 0 {
		return nil
	}
	for _, rec := range p.records {
		if rec.inUse && idsEqual(senderID, contextID, rec.SenderID, rec.ContextID) {
			return rec
		}
	}
	return nil
}

func (p *Pool) emptyOrOldest() *Record {
	for _, rec := range p.records {
		if !rec.inUse {
			return rec
		}
	}
	oldest := p.records[0]
	for _, rec := range p.records[1:] {
		if rec.LastUse.Before(oldest.LastUse) {
			oldest = rec
		}
	}
	*oldest = Record{}
	return oldest
}

// Check applies the sliding-window algorithm from RFC 8613 §7.4 to an
// inbound sequence number. A nil record (no prior contact with this peer)
// reports Unsynchronized: the caller must issue an Echo challenge before
// trusting any further packet from it.
func (p *Pool) Check(senderID, contextID []byte, ssn uint64) Outcome {
	rec := p.find(senderID, contextID)
	if rec == nil {
		metrics.ReplayOutcomesTotal.WithLabelValues(string(Unsynchronized)).Inc()
		return Unsynchronized
	}

	rec.LastUse = time.Now()

	if rec.SSNHigh >= ssn {
		diff := rec.SSNHigh - ssn
		if diff >= 32 {
			metrics.ReplayOutcomesTotal.WithLabelValues(string(TooOld)).Inc()
			return TooOld
		}
		if rec.Window&(1<<diff) != 0 {
			metrics.ReplayOutcomesTotal.WithLabelValues(string(Replayed)).Inc()
			return Replayed
		}
		rec.Window |= 1 << diff
		metrics.ReplayOutcomesTotal.WithLabelValues(string(Accepted)).Inc()
		return Accepted
	}

	diff := ssn - rec.SSNHigh
	if diff > p.rplwdo {
		metrics.ReplayOutcomesTotal.WithLabelValues(string(WindowJumpTooBig)).Inc()
		return WindowJumpTooBig
	}
	rec.SSNHigh = ssn
	if diff >= 32 {
		rec.Window = 1
	} else {
		rec.Window = (rec.Window << diff) | 1
	}
	metrics.ReplayOutcomesTotal.WithLabelValues(string(Accepted)).Inc()
	return Accepted
}

// Add creates a fresh record for the peer (or overwrites an existing one),
// resetting the window to bit 0 set at ssn.
func (p *Pool) Add(senderID, contextID []byte, ssn uint64) {
	rec := p.find(senderID, contextID)
	if rec == nil {
		rec = p.emptyOrOldest()
		rec.SenderID = append([]byte(nil), senderID...)
		rec.ContextID = append([]byte(nil), contextID...)
		rec.inUse = true
	}
	rec.SSNHigh = ssn
	rec.Window = 1
	rec.LastUse = time.Now()
}

// Forget removes any record matching the given Sender ID, regardless of
// context.
func (p *Pool) Forget(senderID []byte) {
	for _, rec := range p.records {
		if rec.inUse && bytes.Equal(rec.SenderID, senderID) {
			*rec = Record{}
		}
	}
}

// cachedMessage is a soft-referenced outbound message awaiting a possible
// 4.01 Unauthorized + Echo retransmit.
type cachedMessage struct {
	token   []byte
	message *buffer.Message
	expiry  time.Time
}

// MessageCache tracks a bounded number of outbound messages by CoAP
// token so an Echo-challenge retransmit can locate and rebuild them.
// Each tracked message holds an extra reference, released either by an
// explicit Untrack or when its timeout elapses.
type MessageCache struct {
	entries []cachedMessage
	timeout time.Duration
}

// NewMessageCache creates a cache bounded to capacity entries; each entry
// self-expires after timeout unless untracked first.
func NewMessageCache(capacity int, timeout time.Duration) *MessageCache {
	return &MessageCache{
		entries: make([]cachedMessage, 0, capacity),
		timeout: timeout,
	}
}

// Track adds a ref to msg and remembers it by token. If the cache is at
// capacity the oldest entry is evicted and unreffed.
func (c *MessageCache) Track(token []byte, msg *buffer.Message) {
	if cap(c.entries) > 0 && len(c.entries) >= cap(c.entries) {
		evicted := c.entries[0]
		c.entries = c.entries[1:]
		evicted.message.Unref()
	}
	msg.Ref()
	c.entries = append(c.entries, cachedMessage{
		token:   append([]byte(nil), token...),
		message: msg,
		expiry:  time.Now().Add(c.timeout),
	})
}

// FindByToken returns the tracked message for token, or nil. Equality is
// always compared with ==, never assigned — a cache scan must never
// mutate what it is searching.
func (c *MessageCache) FindByToken(token []byte) *buffer.Message {
	for i := range c.entries {
		if bytes.Equal(c.entries[i].token, token) {
			return c.entries[i].message
		}
	}
	return nil
}

// Untrack releases the extra reference held for token, if tracked.
func (c *MessageCache) Untrack(token []byte) {
	for i := range c.entries {
		if bytes.Equal(c.entries[i].token, token) {
			c.entries[i].message.Unref()
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// ScrubExpired releases references for any entry past its timeout.
func (c *MessageCache) ScrubExpired(now time.Time) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if now.After(e.expiry) {
			e.message.Unref()
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
}
