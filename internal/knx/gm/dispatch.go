package gm

import (
	"fmt"
	"net/netip"

	"github.com/fxamacker/cbor/v2"

	"github.com/knx-iot/gateway/internal/coap"
	"github.com/knx-iot/gateway/internal/metrics"
	"github.com/knx-iot/gateway/internal/ri"
)

// envelope is the s-mode payload carried inside CBOR key 5: sender
// individual address, group address, service type ("r"/"w"/"rp"), and
// the data-point value.
type envelope struct {
	Sia   uint32      `cbor:"4,keyasint"`
	GA    uint32      `cbor:"7,keyasint"`
	ST    string      `cbor:"6,keyasint"`
	Value interface{} `cbor:"1,keyasint"`
}

type envelopeWrapper struct {
	Envelope envelope `cbor:"5,keyasint"`
}

// OutboundSend is one s-mode datagram to emit: either a unicast CoAP
// POST to an individual address/path or URL, or a multicast POST to a
// derived group address.
type OutboundSend struct {
	Unicast   bool
	IA        int
	Path      string
	URL       string
	Multicast netip.Addr
	GA        uint32
	// SenderID is the OSCORE Sender ID to encrypt a unicast send under,
	// taken from the Publisher Table entry's At reference. Empty when
	// the entry names no security context.
	SenderID []byte
	Payload  []byte
}

// registerSModeIngress installs /a/sen, the s-mode inbound entrypoint.
// Access control here is enforced upstream by OSCORE group-key
// decryption and endpoint group-address matching, not the access-token
// table, so the resource is marked Public.
func (m *Manager) registerSModeIngress(router *ri.Router) {
	router.Register(&ri.Resource{
		URI: "/a/sen", Interfaces: ri.IfA, Public: true,
		POST: m.handleSModeIngress,
	})
}

func (m *Manager) handleSModeIngress(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
	if !acceptIs(req, contentTypeCBOR) {
		return respond(req, coap.CodeBadRequest)
	}
	var env envelopeWrapper
	if err := cbor.Unmarshal(req.Payload, &env); err != nil {
		return respond(req, coap.CodeBadRequest)
	}
	valueBytes, err := cbor.Marshal(env.Envelope.Value)
	if err != nil {
		return respond(req, coap.CodeInternalServerError)
	}
	m.DispatchInbound(env.Envelope.GA, env.Envelope.ST, valueBytes)
	return respond(req, coap.CodeChanged)
}

// DispatchInbound invokes every local data-point whose Group Object
// Table entry lists ga and whose cflags admit serviceType ("w" needs
// WRITE or UPDATE, "r" needs READ); no other resource is invoked.
func (m *Manager) DispatchInbound(ga uint32, serviceType string, value []byte) []*coap.Message {
	var required CFlag
	var method coap.Code
	switch serviceType {
	case "w":
		required = CFlagWrite | CFlagUpdate
		method = coap.CodePOST
	case "r":
		required = CFlagRead
		method = coap.CodeGET
	default:
		return nil
	}

	m.mu.RLock()
	var targets []*GroupObjectEntry
	for _, slot := range sortedGOTSlots(m.got) {
		entry := m.got[slot]
		if !entry.CFlags.hasAny(required) {
			continue
		}
		for _, g := range entry.GA {
			if g == ga {
				targets = append(targets, entry)
				break
			}
		}
	}
	m.mu.RUnlock()

	var results []*coap.Message
	for _, entry := range targets {
		req := &coap.Message{Code: method, Payload: value}
		results = append(results, m.router.Invoke(entry.Href, method, req))
		metrics.GroupDispatchTotal.WithLabelValues("inbound").Inc()
	}
	return results
}

// DispatchOutbound locates every Group Object Table entry for href,
// and for each of its group addresses fans out to every matching
// Publisher Table entry: a unicast POST when the entry names an
// individual address or URL, otherwise a multicast POST to the
// derived group address at both subscribed scopes.
func (m *Manager) DispatchOutbound(href string, serviceType string, value interface{}) ([]OutboundSend, error) {
	m.mu.RLock()
	var gas []uint32
	for _, slot := range sortedGOTSlots(m.got) {
		if e := m.got[slot]; e.Href == href {
			gas = append(gas, e.GA...)
		}
	}
	m.mu.RUnlock()
	if len(gas) == 0 {
		return nil, fmt.Errorf("gm: no group object table entry for href %q", href)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var sends []OutboundSend
	for _, ga := range gas {
		for _, slot := range sortedRPSlots(m.pub) {
			entry := m.pub[slot]
			if !containsGA(entry.GA, ga) {
				continue
			}
			payload, err := cbor.Marshal(envelopeWrapper{Envelope: envelope{
				Sia: uint32(m.ownIA), GA: ga, ST: serviceType, Value: value,
			}})
			if err != nil {
				return nil, err
			}

			switch {
			case entry.IA != 0:
				path := entry.Path
				if path == "" {
					path = ".knx"
				}
				sends = append(sends, OutboundSend{
					Unicast: true, IA: entry.IA, Path: path, GA: ga,
					SenderID: senderIDFromAt(entry.At), Payload: payload,
				})
			case entry.URL != "":
				sends = append(sends, OutboundSend{
					Unicast: true, URL: entry.URL, GA: ga,
					SenderID: senderIDFromAt(entry.At), Payload: payload,
				})
			default:
				for _, scope := range []byte{ScopeLinkLocal, ScopeSiteLocal} {
					sends = append(sends, OutboundSend{Multicast: MulticastGroupAddress(m.iid, ga, scope), GA: ga, Payload: payload})
				}
			}
			metrics.GroupDispatchTotal.WithLabelValues("outbound").Inc()
		}
	}
	return sends, nil
}

// StartupReads issues an outbound s-mode READ on the first group
// address of every entry whose cflags include INIT, so the device
// pulls current values on start-up.
func (m *Manager) StartupReads() []OutboundSend {
	m.mu.RLock()
	var entries []*GroupObjectEntry
	for _, slot := range sortedGOTSlots(m.got) {
		if e := m.got[slot]; e.CFlags&CFlagInit != 0 && len(e.GA) > 0 {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	var sends []OutboundSend
	for _, e := range entries {
		out, err := m.DispatchOutbound(e.Href, "r", nil)
		if err != nil {
			continue
		}
		sends = append(sends, out...)
	}
	return sends
}

// senderIDFromAt reuses a Publisher Table entry's access-token reference
// as the OSCORE Sender ID selector for its unicast context: the table
// has no dedicated security-context field, and At is otherwise never
// read for anything but CBOR wire round-tripping.
func senderIDFromAt(at string) []byte {
	if at == "" {
		return nil
	}
	return []byte(at)
}

func containsGA(gas []uint32, ga uint32) bool {
	for _, g := range gas {
		if g == ga {
			return true
		}
	}
	return false
}
