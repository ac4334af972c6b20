// Package oscore implements the OSCORE (RFC 8613) end-to-end security
// layer: per-peer security contexts, sender-sequence-number management,
// and group contexts for s-mode multicast.
package oscore

import (
	"encoding/binary"
	"fmt"
)

// Context is a per-peer OSCORE security context.
type Context struct {
	MasterSecret []byte
	MasterSalt   []byte
	SenderID     []byte
	RecipientID  []byte
	IDContext    []byte

	SenderKey    []byte
	RecipientKey []byte
	CommonIV     []byte

	// SSN is the strictly monotonic outgoing sender sequence number.
	// Incremented on every outbound encryption; incremented one extra
	// time beyond the natural increment on an Echo-challenge retransmit.
	SSN uint64

	AEAD AEAD
}

// NewContext derives sender/recipient keys and the common IV from a
// master secret and salt following the HKDF construction in RFC 8613
// §3.2, using the given AEAD's key size for each derived key.
func NewContext(masterSecret, masterSalt, senderID, recipientID, idContext []byte, aead AEAD) *Context {
	ctx := &Context{
		MasterSecret: masterSecret,
		MasterSalt:   masterSalt,
		SenderID:     senderID,
		RecipientID:  recipientID,
		IDContext:    idContext,
		AEAD:         aead,
	}
	ctx.SenderKey = hkdfExtractExpand(masterSecret, masterSalt, deriveInfo(senderID, idContext, "Key", aead.KeySize()), aead.KeySize())
	ctx.RecipientKey = hkdfExtractExpand(masterSecret, masterSalt, deriveInfo(recipientID, idContext, "Key", aead.KeySize()), aead.KeySize())
	ctx.CommonIV = hkdfExtractExpand(masterSecret, masterSalt, deriveInfo(nil, idContext, "IV", aead.NonceSize()), aead.NonceSize())
	return ctx
}

// deriveInfo builds the CBOR-like info structure RFC 8613 feeds to HKDF-
// Expand. A byte-exact CBOR encoding is not required here since both
// sides of this port derive from the same function; only internal
// consistency matters for a from-scratch implementation.
func deriveInfo(id, idContext []byte, label string, length int) []byte {
	info := make([]byte, 0, len(id)+len(idContext)+len(label)+4)
	info = append(info, byte(len(id)))
	info = append(info, id...)
	info = append(info, byte(len(idContext)))
	info = append(info, idContext...)
	info = append(info, []byte(label)...)
	info = append(info, byte(length))
	return info
}

// Nonce constructs the AEAD nonce for a message identified by the Sender
// ID of whichever party generated the partial IV (the sender's own ID on
// the encrypting side, the corresponding Recipient ID on the decrypting
// side — the two must be the same bytes for the nonce to match), per the
// XOR-with-common-IV construction in RFC 8613 §5.2.
func (c *Context) Nonce(id []byte, piv uint64) []byte {
	nonceLen := c.AEAD.NonceSize()
	nonce := make([]byte, nonceLen)

	idLen := nonceLen - 6
	padded := make([]byte, idLen)
	copy(padded[idLen-len(id):], id)

	nonce[0] = byte(len(id))
	copy(nonce[1:1+idLen], padded)

	pivBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(pivBytes, piv)
	copy(nonce[1+idLen:], pivBytes[8-5:])

	for i := range nonce {
		nonce[i] ^= c.CommonIV[i]
	}
	return nonce
}

// NextSSN returns the next outgoing sequence number and advances SSN by
// one. Used for ordinary outbound encryption.
func (c *Context) NextSSN() uint64 {
	c.SSN++
	return c.SSN
}

// BumpForRetransmit advances SSN by one extra increment beyond the
// natural one, guaranteeing an Echo-triggered retransmit is never a nonce
// duplicate of the original.
func (c *Context) BumpForRetransmit() uint64 {
	c.SSN++
	return c.SSN
}

// Seal encrypts plaintext under this context's sender key, using the
// current SSN as the partial IV, and returns the ciphertext alongside the
// PIV used (the caller must wire the PIV into the OSCORE option).
func (c *Context) Seal(plaintext, aad []byte) (ciphertext []byte, piv uint64, err error) {
	if c.AEAD == nil {
		return nil, 0, fmt.Errorf("oscore: seal failed: context has no AEAD")
	}
	piv = c.NextSSN()
	nonce := c.Nonce(c.SenderID, piv)
	ciphertext, err = c.AEAD.Seal(c.SenderKey, nonce, plaintext, aad)
	if err != nil {
		return nil, 0, fmt.Errorf("oscore: seal failed: %w", err)
	}
	return ciphertext, piv, nil
}

// Open decrypts a received ciphertext using the recipient key and the
// peer's partial IV, which the caller must already have validated with
// the anti-replay filter.
func (c *Context) Open(ciphertext, aad []byte, peerPIV uint64) ([]byte, error) {
	nonce := c.Nonce(c.RecipientID, peerPIV)
	plaintext, err := c.AEAD.Open(c.RecipientKey, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("oscore: open failed: %w", err)
	}
	return plaintext, nil
}

// GroupContext is an OSCORE group context for s-mode multicast: a single
// shared key schedule keyed by group identifier, used to encrypt exactly
// one multicast datagram regardless of local recipient count.
type GroupContext struct {
	GroupID   []byte
	SenderID  []byte
	GroupKey  []byte
	CommonIV  []byte
	SSN       uint64
	AEAD      AEAD
}

// NewGroupContext derives a group context from a group-wide master
// secret/salt shared by every member.
func NewGroupContext(groupID, masterSecret, masterSalt, senderID []byte, aead AEAD) *GroupContext {
	return &GroupContext{
		GroupID:  groupID,
		SenderID: senderID,
		GroupKey: hkdfExtractExpand(masterSecret, masterSalt, deriveInfo(senderID, groupID, "Key", aead.KeySize()), aead.KeySize()),
		CommonIV: hkdfExtractExpand(masterSecret, masterSalt, deriveInfo(nil, groupID, "IV", aead.NonceSize()), aead.NonceSize()),
		AEAD:     aead,
	}
}

func (g *GroupContext) Seal(plaintext, aad []byte) (ciphertext []byte, piv uint64, err error) {
	g.SSN++
	nonceLen := g.AEAD.NonceSize()
	nonce := make([]byte, nonceLen)
	idLen := nonceLen - 6
	padded := make([]byte, idLen)
	copy(padded[idLen-len(g.SenderID):], g.SenderID)
	nonce[0] = byte(len(g.SenderID))
	copy(nonce[1:1+idLen], padded)
	pivBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(pivBytes, g.SSN)
	copy(nonce[1+idLen:], pivBytes[8-5:])
	for i := range nonce {
		nonce[i] ^= g.CommonIV[i]
	}

	ciphertext, err = g.AEAD.Seal(g.GroupKey, nonce, plaintext, aad)
	if err != nil {
		return nil, 0, fmt.Errorf("oscore: group seal failed: %w", err)
	}
	return ciphertext, g.SSN, nil
}
