package coap

import (
	"bytes"
	"sync"
	"time"

	"github.com/knx-iot/gateway/internal/buffer"
)

// Transaction tracks an outbound confirmable request awaiting a
// response, so an inbound message can be correlated back to it by
// message id first, then by token.
type Transaction struct {
	MessageID uint16
	Token     []byte
	Message   *buffer.Message
	Created   time.Time

	// Plaintext is the inner CoAP request as built before any OSCORE
	// protection, kept so an Echo-challenge retransmit can be
	// re-encrypted under a bumped sequence number rather than replaying
	// the original ciphertext.
	Plaintext *Message
	// SenderID is the OSCORE Sender ID the request was encrypted under,
	// nil for an unsecured transaction.
	SenderID []byte
}

// TransactionTable holds in-flight confirmable transactions. Lookup by
// message id is the primary path (RFC 7252 §4.2); token lookup is the
// fallback used when a retransmit carries a fresh message id.
type TransactionTable struct {
	mu    sync.Mutex
	byMID map[uint16]*Transaction
}

func NewTransactionTable() *TransactionTable {
	return &TransactionTable{byMID: make(map[uint16]*Transaction)}
}

// Start registers a new outbound transaction. msg is ref'd by the
// caller before handing it here; the table takes ownership of that
// reference and releases it when the transaction is cleared.
func (t *TransactionTable) Start(mid uint16, token []byte, msg *buffer.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byMID[mid] = &Transaction{MessageID: mid, Token: token, Message: msg, Created: time.Now()}
}

// StartSecured registers a new outbound transaction that was sent
// OSCORE-protected, additionally recording the plaintext request and the
// Sender ID it was encrypted under so a later Echo-challenge retransmit
// can be re-protected with a bumped sequence number.
func (t *TransactionTable) StartSecured(mid uint16, token []byte, msg *buffer.Message, plaintext *Message, senderID []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byMID[mid] = &Transaction{
		MessageID: mid,
		Token:     token,
		Message:   msg,
		Created:   time.Now(),
		Plaintext: plaintext,
		SenderID:  senderID,
	}
}

// ByMID looks up a transaction by message id.
func (t *TransactionTable) ByMID(mid uint16) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byMID[mid]
}

// ByToken looks up a transaction by token, used when the response's
// message id does not match (retransmit after an Echo challenge).
func (t *TransactionTable) ByToken(token []byte) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tx := range t.byMID {
		if bytes.Equal(tx.Token, token) {
			return tx
		}
	}
	return nil
}

// Clear removes a transaction and releases its held buffer reference.
// retain, when true, skips the release because the caller is handing
// the buffer to the Echo-retransmit cache instead.
func (t *TransactionTable) Clear(mid uint16, retain bool) {
	t.mu.Lock()
	tx, ok := t.byMID[mid]
	if ok {
		delete(t.byMID, mid)
	}
	t.mu.Unlock()

	if ok && !retain && tx.Message != nil {
		tx.Message.Unref()
	}
}
