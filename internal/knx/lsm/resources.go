package lsm

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/knx-iot/gateway/internal/coap"
	"github.com/knx-iot/gateway/internal/ri"
)

// stateWire and resetWire carry the CBOR field key contract's key 0
// (id/value slot), reused here for the load state and the erase code -
// the only field either resource body needs.
type stateWire struct {
	State uint8 `cbor:"0,keyasint"`
}

type resetWire struct {
	Code int `cbor:"0,keyasint"`
}

func respond(req *coap.Message, code coap.Code) *coap.Message {
	return &coap.Message{Type: coap.TypeAcknowledgement, Code: code, MessageID: req.MessageID, Token: req.Token}
}

func respondCBOR(req *coap.Message, code coap.Code, v interface{}) *coap.Message {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return respond(req, coap.CodeInternalServerError)
	}
	resp := respond(req, code)
	resp.Payload = payload
	resp.AddOption(coap.OptionContentFormat, []byte{60})
	return resp
}

// Register installs /a/ls (load state, GET/POST) and /a/restart
// (factory reset, POST), the commissioning-tool-facing side of the
// load state machine. Neither resource is discoverable: a device not
// yet commissioned answers them without appearing in
// /.well-known/core, mirroring the Group Object Table's own hrefs.
func (m *Manager) Register(router *ri.Router) {
	router.Register(&ri.Resource{
		URI: "/a/ls", Interfaces: ri.IfA, Public: true, ContentType: 60,
		GET:  m.handleGetState,
		POST: m.handlePostState,
	})
	router.Register(&ri.Resource{
		URI: "/a/restart", Interfaces: ri.IfA, Public: true, ContentType: 60,
		POST: m.handleRestart,
	})
}

func (m *Manager) handleGetState(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
	return respondCBOR(req, coap.CodeContent, stateWire{State: uint8(m.State())})
}

func (m *Manager) handlePostState(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
	var w stateWire
	if err := cbor.Unmarshal(req.Payload, &w); err != nil {
		return respond(req, coap.CodeBadRequest)
	}
	if err := m.SetState(context.Background(), State(w.State)); err != nil {
		return respond(req, coap.CodeMethodNotAllowed)
	}
	return respond(req, coap.CodeChanged)
}

func (m *Manager) handleRestart(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
	var w resetWire
	if err := cbor.Unmarshal(req.Payload, &w); err != nil {
		return respond(req, coap.CodeBadRequest)
	}
	code := ResetCode(w.Code)
	if code != ResetFull && code != ResetIA && code != ResetConfig {
		return respond(req, coap.CodeBadRequest)
	}
	if err := m.FactoryReset(context.Background(), code); err != nil {
		return respond(req, coap.CodeInternalServerError)
	}
	return respond(req, coap.CodeChanged)
}
