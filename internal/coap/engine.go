package coap

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/knx-iot/gateway/internal/buffer"
	"github.com/knx-iot/gateway/internal/coap/blockwise"
	"github.com/knx-iot/gateway/internal/metrics"
	"github.com/knx-iot/gateway/internal/oscore"
	"github.com/knx-iot/gateway/internal/oscore/replay"
)

// maxBlockSize bounds both the block2 chunk size this engine offers and
// the block1 size it accepts, matching the 1024-byte ceiling RFC 7959
// recommends for constrained links.
const maxBlockSize = 1024

// Handler processes a fully decoded, fully reassembled, and (if
// secured) already-decrypted request, returning the response to send.
// internal/ri implements this; internal/coap only depends on the
// interface to avoid an import cycle.
type Handler interface {
	Handle(req *Message, endpoint buffer.Endpoint) *Message
}

// Engine ties packet parsing, duplicate suppression, transaction and
// Echo correlation, block-wise reassembly, and OSCORE decryption
// together into the inbound/outbound processing the scheduler drives.
type Engine struct {
	Dedup        *DuplicateSuppressor
	Transactions *TransactionTable
	Blockwise    *blockwise.Manager
	OSCORE       *oscore.Manager
	EchoCache    *replay.MessageCache
	Handler      Handler
	FreshnessWindow time.Duration

	nextMID uint32
	logger  *zap.Logger
}

func NewEngine(oscoreMgr *oscore.Manager, handler Handler, freshnessWindow time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		Dedup:           NewDuplicateSuppressor(),
		Transactions:    NewTransactionTable(),
		Blockwise:       blockwise.NewManager(),
		OSCORE:          oscoreMgr,
		EchoCache:       replay.NewMessageCache(64, 5*time.Second),
		Handler:         handler,
		FreshnessWindow: freshnessWindow,
		nextMID:         uint32(time.Now().UnixNano()),
		logger:          logger,
	}
}

// HandleInbound parses and dispatches one inbound datagram. The caller
// owns msg's reference and must Unref it after this returns; any
// buffer the engine needs to outlive this call (a response, a cached
// retransmit) is ref'd internally. It composes the same Classify,
// DecryptSecured and Dispatch stages the scheduler's InboundNetwork,
// InboundOSCORE and InboundRI handlers drive separately, for callers
// (tests, and any synchronous caller) that want the whole pipeline in
// one call.
func (e *Engine) HandleInbound(msg *buffer.Message) *Message {
	req, isResponse, ok := e.Classify(msg)
	if !ok {
		return nil
	}
	if isResponse {
		return e.HandleResponse(req)
	}

	if oscoreOpt := req.FindOption(OptionOSCORE); oscoreOpt != nil {
		inner, reply := e.DecryptSecured(req, msg.Endpoint, oscoreOpt.Value)
		if inner == nil {
			return reply
		}
		return e.Dispatch(inner, msg.Endpoint)
	}

	return e.Dispatch(req, msg.Endpoint)
}

// Classify parses msg and runs duplicate suppression on requests. ok is
// false when the datagram is unparseable or a duplicate and must be
// dropped without further processing.
func (e *Engine) Classify(msg *buffer.Message) (req *Message, isResponse bool, ok bool) {
	req, err := Parse(msg.Data[:msg.Length])
	if err != nil {
		metrics.CoapParseErrorsTotal.WithLabelValues("inbound", "parse_error").Inc()
		e.logger.Debug("dropping unparseable datagram", zap.Error(err))
		return nil, false, false
	}

	if req.Code.IsRequest() && req.Type != TypeReset {
		device := uint8(msg.Endpoint.DeviceIndex)
		if e.Dedup.IsDuplicate(req.MessageID, device) {
			return nil, false, false
		}
		e.Dedup.Record(req.MessageID, device)
	}

	return req, !req.Code.IsRequest(), true
}

// DecryptSecured decrypts an OSCORE-protected request. It returns either
// a plaintext inner request ready for Dispatch (reply is nil), or a
// reply to send as-is (an Echo challenge or 4.02 Bad Option) with inner
// nil. Both nil means a quiet drop.
func (e *Engine) DecryptSecured(req *Message, endpoint buffer.Endpoint, oscoreOption []byte) (inner *Message, reply *Message) {
	opt, err := DecodeOSCOREOption(oscoreOption)
	if err != nil {
		metrics.CoapParseErrorsTotal.WithLabelValues("oscore_option", "parse_error").Inc()
		return nil, nil
	}
	piv := pivToUint64(opt.PIV)
	plaintext, outcome, err := e.OSCORE.DecryptInbound(opt.KeyID, opt.IDContext, req.Payload, req.Token, piv)

	switch outcome {
	case replay.NoContext:
		// No security context at all for this sender id: a stranger or
		// an off-path probe. Never challenge it — that would let an
		// attacker fish for a live Echo response from an unprovisioned
		// identity.
		return nil, nil
	case replay.Unsynchronized:
		echoOpt := req.FindOption(OptionEcho)
		if echoOpt == nil {
			return nil, BuildChallenge(req, time.Now())
		}
		switch ValidateEcho(echoOpt.Value, time.Now(), e.FreshnessWindow) {
		case EchoBadLength:
			return nil, ackError(req, CodeBadOption)
		case EchoStale:
			return nil, BuildChallenge(req, time.Now())
		case EchoAccepted:
			if err != nil {
				return nil, nil
			}
			e.OSCORE.Replay.Add(opt.KeyID, opt.IDContext, piv)
			return e.parseInner(plaintext)
		default:
			return nil, nil
		}
	case replay.Accepted:
		if err != nil {
			return nil, nil
		}
		return e.parseInner(plaintext)
	default:
		// Replayed, TooOld, WindowJumpTooBig: quiet drop.
		return nil, nil
	}
}

func (e *Engine) parseInner(plaintext []byte) (*Message, *Message) {
	inner, err := Parse(plaintext)
	if err != nil {
		metrics.CoapParseErrorsTotal.WithLabelValues("oscore_inner", "parse_error").Inc()
		return nil, nil
	}
	return inner, nil
}

// Dispatch reassembles a block-wise request, if any, invokes the
// resource handler, and chunks an oversized response with block2,
// matching the original stack's oc_blockwise request/response buffers.
func (e *Engine) Dispatch(req *Message, endpoint buffer.Endpoint) *Message {
	key := blockwise.Key{
		Href:     requestHref(req),
		Endpoint: endpoint.Remote.String(),
		Method:   uint8(req.Code),
		Query:    requestQuery(req),
		Role:     blockwise.RoleServer,
	}

	if block1Opt := req.FindOption(OptionBlock1); block1Opt != nil {
		resp, ok := e.handleBlock1(req, key, block1Opt.Value)
		if !ok {
			return resp
		}
		// Last block reassembled: dispatch the complete payload below.
		req = resp
	}

	if block2Opt := req.FindOption(OptionBlock2); block2Opt != nil {
		if resp := e.handleBlock2Fetch(req, key, block2Opt.Value); resp != nil {
			return resp
		}
	}

	if e.Handler == nil {
		return nil
	}
	resp := e.Handler.Handle(req, endpoint)
	if resp == nil {
		return nil
	}
	return e.chunkResponse(resp, key)
}

// handleBlock1 feeds one Block1-tagged request body fragment into its
// reassembly buffer. ok is true once the transfer is complete and resp
// holds the full request ready to dispatch; ok is false when resp (a
// 2.31 Continue or an error response) must be returned immediately.
func (e *Engine) handleBlock1(req *Message, key blockwise.Key, optValue []byte) (resp *Message, ok bool) {
	block, err := DecodeBlockOption(optValue)
	if err != nil {
		return ackError(req, CodeBadOption), false
	}

	state := e.Blockwise.FindRequest(key)
	if state == nil {
		if block.Offset() != 0 {
			return ackError(req, CodeBadRequest), false
		}
		state, err = e.Blockwise.AllocRequest(key)
		if err != nil {
			return ackError(req, CodeInternalServerError), false
		}
	}

	if err := state.HandleBlock(block.Offset(), req.Payload, uint32(block.Size)); err != nil {
		state.Unref()
		return ackError(req, CodeRequestEntityTooLarge), false
	}

	if block.More {
		cont := &Message{Type: TypeAcknowledgement, Code: CodeContinue, MessageID: req.MessageID, Token: req.Token}
		cont.AddOption(OptionBlock1, EncodeBlockOption(Block{Num: block.Num, More: true, Size: block.Size}))
		return cont, false
	}

	full := *req
	full.Payload = append([]byte(nil), state.Buffer...)
	state.Unref()
	return &full, true
}

// handleBlock2Fetch serves a follow-up Block2 request for an already
// chunked response buffer, or nil if no such buffer exists (a fresh
// request the handler must still answer).
func (e *Engine) handleBlock2Fetch(req *Message, key blockwise.Key, optValue []byte) *Message {
	block, err := DecodeBlockOption(optValue)
	if err != nil {
		return ackError(req, CodeBadOption)
	}
	if block.Num == 0 {
		// A fresh request always carries block2 num=0 as a size hint,
		// never a follow-up fetch of an existing buffer.
		return nil
	}
	state := e.Blockwise.FindResponse(key)
	if state == nil {
		return ackError(req, CodeBadOption)
	}
	chunk, more, err := state.DispatchBlock(block.Offset(), uint32(block.Size))
	if err != nil {
		state.Unref()
		return ackError(req, CodeBadOption)
	}
	resp := &Message{Type: TypeAcknowledgement, Code: CodeContent, MessageID: req.MessageID, Token: req.Token, Payload: chunk}
	if state.ReturnContentFormat != 0 {
		resp.AddOption(OptionContentFormat, encodeUint16(state.ReturnContentFormat))
	}
	resp.AddOption(OptionBlock2, EncodeBlockOption(Block{Num: block.Num, More: more, Size: block.Size}))
	if !more {
		state.Unref()
	}
	return resp
}

// chunkResponse splits resp into block2-sized pieces when it exceeds
// maxBlockSize, buffering the remainder for subsequent Block2 fetches
// keyed the same as the originating request.
func (e *Engine) chunkResponse(resp *Message, key blockwise.Key) *Message {
	if len(resp.Payload) <= maxBlockSize {
		return resp
	}

	var contentFormat uint16
	if cf := resp.FindOption(OptionContentFormat); cf != nil {
		for _, b := range cf.Value {
			contentFormat = contentFormat<<8 | uint16(b)
		}
	}

	state := e.Blockwise.AllocResponse(key, resp.Payload, contentFormat, [8]byte{})
	chunk, more, err := state.DispatchBlock(0, maxBlockSize)
	if err != nil {
		state.Unref()
		return ackError(resp, CodeInternalServerError)
	}
	if !more {
		state.Unref()
	}

	chunked := &Message{Type: resp.Type, Code: resp.Code, MessageID: resp.MessageID, Token: resp.Token, Payload: chunk}
	for _, opt := range resp.Options {
		if opt.Number == OptionBlock2 {
			continue
		}
		chunked.Options = append(chunked.Options, opt)
	}
	chunked.AddOption(OptionBlock2, EncodeBlockOption(Block{Num: 0, More: more, Size: maxBlockSize}))
	return chunked
}

// HandleResponse correlates a response to its outbound transaction and,
// if it's an Echo challenge, builds and returns the client-side
// retransmit so the caller can post it back to the same peer.
func (e *Engine) HandleResponse(resp *Message) *Message {
	tx := e.Transactions.ByMID(resp.MessageID)
	if tx == nil {
		tx = e.Transactions.ByToken(resp.Token)
	}
	if tx == nil {
		return nil
	}

	if resp.Code == CodeUnauthorized {
		if echoOpt := resp.FindOption(OptionEcho); echoOpt != nil && len(echoOpt.Value) == EchoLength {
			retransmit, err := e.buildRetransmit(tx, echoOpt.Value)
			e.Transactions.Clear(tx.MessageID, false)
			if err != nil {
				e.logger.Error("echo retransmit: rebuilding request", zap.Error(err))
				return nil
			}
			return retransmit
		}
	}

	e.Transactions.Clear(tx.MessageID, false)
	return nil
}

// buildRetransmit rebuilds tx's original request with a fresh token,
// message id and the server's Echo value, bumping the OSCORE sequence
// number one extra increment beyond the natural one for a secured
// transaction so the retransmit is never a nonce duplicate.
func (e *Engine) buildRetransmit(tx *Transaction, echoValue []byte) (*Message, error) {
	newToken := freshToken()
	newMID := e.nextMessageID()

	if tx.Plaintext == nil {
		if tx.Message == nil {
			return nil, fmt.Errorf("coap: no cached request to retransmit")
		}
		original, err := Parse(tx.Message.Data[:tx.Message.Length])
		if err != nil {
			return nil, fmt.Errorf("coap: parsing cached retransmit buffer: %w", err)
		}
		return BuildRetransmit(original, echoValue, newToken, newMID), nil
	}

	if _, err := e.OSCORE.RetransmitSSN(tx.SenderID); err != nil {
		return nil, err
	}
	inner := *tx.Plaintext
	inner.Token = newToken
	inner.MessageID = newMID
	outer, err := e.protect(&inner, tx.SenderID, nil)
	if err != nil {
		return nil, err
	}
	outer.AddOption(OptionEcho, echoValue)
	return outer, nil
}

// BuildUnicastRequest constructs an OSCORE-protected confirmable POST to
// path, encrypted under senderID's context, ready to marshal and send.
// The returned inner message is the pre-encryption plaintext, kept by
// the caller for transaction bookkeeping.
func (e *Engine) BuildUnicastRequest(path string, payload []byte, senderID []byte) (outer, inner *Message, err error) {
	inner = e.NewOutboundRequest(TypeConfirmable, path, payload)
	outer, err = e.protect(inner, senderID, nil)
	return outer, inner, err
}

// BuildGroupRequest constructs an OSCORE group-encrypted non-confirmable
// POST to path, used for multicast s-mode publishes that expect no
// individual acknowledgement.
func (e *Engine) BuildGroupRequest(path string, payload []byte, groupID []byte) (outer, inner *Message, err error) {
	inner = e.NewOutboundRequest(TypeNonConfirmable, path, payload)
	outer, err = e.protect(inner, nil, groupID)
	return outer, inner, err
}

// NewOutboundRequest builds a plaintext CoAP POST to path, a fresh
// token and message id assigned, ready either to send unprotected or to
// hand to EncryptOutboundBuffer/EncryptGroupOutboundBuffer.
func (e *Engine) NewOutboundRequest(typ Type, path string, payload []byte) *Message {
	return e.newInnerRequest(typ, path, payload)
}

// EncryptOutboundBuffer re-protects an already-marshaled plaintext CoAP
// message in msg in place, replacing its contents with the OSCORE-wrapped
// outer message under the peer context named by senderID. A confirmable
// inner request is tracked as an outbound transaction so a later 4.01+
// Echo response triggers a retransmit.
func (e *Engine) EncryptOutboundBuffer(msg *buffer.Message, senderID []byte) error {
	inner, err := Parse(msg.Data[:msg.Length])
	if err != nil {
		return fmt.Errorf("coap: parsing outbound plaintext: %w", err)
	}
	outer, err := e.protect(inner, senderID, nil)
	if err != nil {
		return err
	}
	if err := e.rewriteBuffer(msg, outer); err != nil {
		return err
	}
	if inner.Type == TypeConfirmable {
		msg.Ref()
		e.Transactions.StartSecured(inner.MessageID, inner.Token, msg, inner, senderID)
	}
	return nil
}

// EncryptGroupOutboundBuffer re-protects an already-marshaled plaintext
// CoAP message in msg in place under the group context named by
// groupID, for multicast delivery.
func (e *Engine) EncryptGroupOutboundBuffer(msg *buffer.Message, groupID []byte) error {
	inner, err := Parse(msg.Data[:msg.Length])
	if err != nil {
		return fmt.Errorf("coap: parsing outbound plaintext: %w", err)
	}
	outer, err := e.protect(inner, nil, groupID)
	if err != nil {
		return err
	}
	return e.rewriteBuffer(msg, outer)
}

func (e *Engine) rewriteBuffer(msg *buffer.Message, outer *Message) error {
	raw, err := Marshal(outer)
	if err != nil {
		return fmt.Errorf("coap: marshaling outbound ciphertext: %w", err)
	}
	if len(raw) > len(msg.Data) {
		return fmt.Errorf("coap: encrypted outbound message of %d bytes exceeds buffer capacity %d", len(raw), len(msg.Data))
	}
	copy(msg.Data, raw)
	msg.Length = len(raw)
	msg.Endpoint.Flags |= buffer.FlagOSCOREEncrypted
	return nil
}

// protect encrypts inner (exactly one of senderID or groupID set) and
// wraps the ciphertext in an outer CoAP message carrying the OSCORE
// option. The outer message's code is always POST: OSCORE hides the
// real method inside the ciphertext.
func (e *Engine) protect(inner *Message, senderID, groupID []byte) (*Message, error) {
	plainBytes, err := Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("coap: marshaling inner request: %w", err)
	}

	var ciphertext []byte
	var piv uint64
	var keyID, idContext []byte
	if groupID != nil {
		ciphertext, piv, err = e.OSCORE.EncryptGroupOutbound(groupID, plainBytes, inner.Token)
		if gc := e.OSCORE.GroupByID(groupID); gc != nil {
			keyID = gc.SenderID
		}
		idContext = groupID
	} else {
		ciphertext, piv, err = e.OSCORE.EncryptOutbound(senderID, plainBytes, inner.Token)
		keyID = senderID
	}
	if err != nil {
		return nil, err
	}

	outer := &Message{Type: inner.Type, Code: CodePOST, MessageID: inner.MessageID, Token: inner.Token, Payload: ciphertext}
	outer.AddOption(OptionOSCORE, EncodeOSCOREOption(OSCOREOption{PIV: pivToBytes(piv), KeyID: keyID, IDContext: idContext}))
	return outer, nil
}

func (e *Engine) newInnerRequest(typ Type, path string, payload []byte) *Message {
	m := &Message{Type: typ, Code: CodePOST, MessageID: e.nextMessageID(), Token: freshToken(), Payload: payload}
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg != "" {
			m.AddOption(OptionURIPath, []byte(seg))
		}
	}
	return m
}

func (e *Engine) nextMessageID() uint16 {
	return uint16(atomic.AddUint32(&e.nextMID, 1))
}

// freshToken generates an 8-byte outbound request token.
func freshToken() []byte {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		binary.BigEndian.PutUint64(b, uint64(time.Now().UnixNano()))
	}
	return b
}

// pivToBytes encodes v as the minimal-length big-endian partial IV, the
// inverse of pivToUint64.
func pivToBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return append([]byte(nil), buf[i:]...)
}

func encodeUint16(v uint16) []byte {
	if v <= 0xFF {
		return []byte{byte(v)}
	}
	return []byte{byte(v >> 8), byte(v)}
}

// ackError builds a bare acknowledgement carrying code and req's
// message id/token, used for block-wise and OSCORE protocol errors that
// internal/ri never sees.
func ackError(req *Message, code Code) *Message {
	return &Message{Type: TypeAcknowledgement, Code: code, MessageID: req.MessageID, Token: req.Token}
}

// requestHref and requestQuery duplicate internal/ri's URI-Path/URI-Query
// reconstruction locally: internal/ri already imports internal/coap, so
// coap cannot import ri back without a cycle.
func requestHref(req *Message) string {
	var b strings.Builder
	for _, opt := range req.AllOptions(OptionURIPath) {
		b.WriteByte('/')
		b.Write(opt.Value)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

func requestQuery(req *Message) string {
	var parts []string
	for _, opt := range req.AllOptions(OptionURIQuery) {
		parts = append(parts, string(opt.Value))
	}
	return strings.Join(parts, "&")
}
