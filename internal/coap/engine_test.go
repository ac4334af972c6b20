package coap

import (
	"bytes"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/knx-iot/gateway/internal/buffer"
	"github.com/knx-iot/gateway/internal/oscore"
	"github.com/knx-iot/gateway/internal/oscore/replay"
)

type stubHandler struct {
	called bool
	resp   *Message
}

func (h *stubHandler) Handle(req *Message, ep buffer.Endpoint) *Message {
	h.called = true
	return h.resp
}

func newTestEngine(handler Handler) *Engine {
	replayPool := replay.New(20, 32)
	mgr := oscore.NewManager(replayPool)
	return NewEngine(mgr, handler, 10*time.Second, zap.NewNop())
}

func bufferWith(raw []byte) *buffer.Message {
	pool := buffer.New("test", 1, false, 256)
	msg, _ := pool.Allocate(256)
	copy(msg.Data, raw)
	msg.Length = len(raw)
	return msg
}

func TestHandleInbound_DuplicateRequestDropped(t *testing.T) {
	h := &stubHandler{resp: &Message{Code: CodeContent}}
	e := newTestEngine(h)

	req := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 9, Token: []byte{1}}
	raw, _ := Marshal(req)

	first := e.HandleInbound(bufferWith(raw))
	if first == nil {
		t.Fatal("expected handler response on first delivery")
	}
	if !h.called {
		t.Fatal("expected handler invoked on first delivery")
	}

	h.called = false
	second := e.HandleInbound(bufferWith(raw))
	if second != nil || h.called {
		t.Error("expected duplicate request dropped silently")
	}
}

func TestHandleInbound_UnsecuredRequestDispatchesToHandler(t *testing.T) {
	h := &stubHandler{resp: &Message{Code: CodeContent}}
	e := newTestEngine(h)

	req := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 1, Token: []byte{1}}
	raw, _ := Marshal(req)

	resp := e.HandleInbound(bufferWith(raw))
	if resp == nil || resp.Code != CodeContent {
		t.Fatalf("expected handler's response, got %+v", resp)
	}
}

// A request secured under a Sender ID with no provisioned security
// context at all must be dropped silently, never challenged: an
// Echo challenge back to a stranger lets an off-path attacker probe
// for a live response from an unprovisioned identity.
func TestHandleInbound_SecuredRequestFromUnknownPeerDroppedSilently(t *testing.T) {
	h := &stubHandler{resp: &Message{Code: CodeContent}}
	e := newTestEngine(h)

	req := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 2, Token: []byte{1}}
	oscoreOpt := EncodeOSCOREOption(OSCOREOption{PIV: []byte{5}, KeyID: []byte{0x01}})
	req.AddOption(OptionOSCORE, oscoreOpt)
	raw, _ := Marshal(req)

	resp := e.HandleInbound(bufferWith(raw))
	if resp != nil {
		t.Fatalf("expected no response for an unprovisioned sender id, got %+v", resp)
	}
	if h.called {
		t.Error("expected handler not invoked for unprovisioned peer")
	}
}

// A request secured under a known peer's context, but with no replay
// record yet (first contact, or state lost across a restart), must be
// challenged with a fresh Echo value rather than decrypted.
func TestHandleInbound_SecuredRequestFromUnsynchronizedPeerChallenged(t *testing.T) {
	h := &stubHandler{resp: &Message{Code: CodeContent}}
	e := newTestEngine(h)
	client, server := testContextPair(t)
	e.OSCORE.AddContext(server)

	inner := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 1, Token: []byte{0xAA}}
	plain, _ := Marshal(inner)
	ciphertext, piv, err := client.Seal(plain, inner.Token)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	req := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 2, Token: []byte{0xAA}, Payload: ciphertext}
	req.AddOption(OptionOSCORE, EncodeOSCOREOption(OSCOREOption{PIV: pivToBytes(piv), KeyID: client.SenderID}))
	raw, _ := Marshal(req)

	resp := e.HandleInbound(bufferWith(raw))
	if resp == nil || resp.Code != CodeUnauthorized {
		t.Fatalf("expected 4.01 challenge for unsynchronized peer, got %+v", resp)
	}
	if echoOpt := resp.FindOption(OptionEcho); echoOpt == nil || len(echoOpt.Value) != EchoLength {
		t.Fatalf("expected an 8-byte Echo option on the challenge, got %+v", resp.Options)
	}
	if h.called {
		t.Error("expected handler not invoked for unsynchronized peer")
	}
}

// Once a peer presents a fresh Echo value on retransmit, the server
// must accept, synchronize it into the replay pool, and dispatch the
// request to the handler.
func TestHandleInbound_SecuredRequestWithFreshEchoSynchronizesAndDispatches(t *testing.T) {
	h := &stubHandler{resp: &Message{Code: CodeContent}}
	e := newTestEngine(h)
	client, server := testContextPair(t)
	e.OSCORE.AddContext(server)

	echoValue := NewEchoValue(time.Now())

	inner := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 1, Token: []byte{0xBB}}
	plain, _ := Marshal(inner)
	ciphertext, piv, err := client.Seal(plain, inner.Token)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	req := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 3, Token: []byte{0xBB}, Payload: ciphertext}
	req.AddOption(OptionOSCORE, EncodeOSCOREOption(OSCOREOption{PIV: pivToBytes(piv), KeyID: client.SenderID}))
	req.AddOption(OptionEcho, echoValue)
	raw, _ := Marshal(req)

	resp := e.HandleInbound(bufferWith(raw))
	if resp == nil || resp.Code != CodeContent {
		t.Fatalf("expected handler response after echo synchronization, got %+v", resp)
	}
	if !h.called {
		t.Error("expected handler invoked once the peer is synchronized")
	}

	outcome := e.OSCORE.Replay.Check(client.SenderID, nil, piv)
	if outcome != replay.Replayed {
		t.Errorf("expected the synchronized sequence number to now read as replayed, got %s", outcome)
	}
}

func testContextPair(t *testing.T) (client, server *oscore.Context) {
	t.Helper()
	masterSecret := bytes.Repeat([]byte{0x11}, 16)
	masterSalt := []byte{0x9e, 0x7c, 0xa9, 0x22, 0x23, 0x78, 0x63, 0x40}
	senderID := []byte{0x01}
	recipientID := []byte{0x02}

	client = oscore.NewContext(masterSecret, masterSalt, senderID, recipientID, nil, oscore.GCMAEAD{})
	server = oscore.NewContext(masterSecret, masterSalt, recipientID, senderID, nil, oscore.GCMAEAD{})
	return client, server
}
