// Package devres registers the minimal device-property and
// non-discoverable-resource stand-ins this gateway exposes without
// implementing the full device management surface: /dev/sn, /dev/hwv,
// /dev/fwv, /dev/hname, /dev/iid, /dev/pm, /dev/ia, and /p.
package devres

import (
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/knx-iot/gateway/internal/coap"
	"github.com/knx-iot/gateway/internal/ri"
)

// DeviceProperties holds the read-only device identity fields these
// resources expose. Mutating operations (PUT /dev/pm, PUT /dev/ia,
// etc.) belong to internal/knx/lsm, which owns the persisted values;
// devres only renders the GET responses.
type DeviceProperties struct {
	SerialNumber     string
	HardwareVersion  []int
	FirmwareVersion  []int
	HardwareType     string
	Model            string
	Hostname         string
	IID              uint64
	IA               uint32
	ProgrammingMode  bool
}

// nonDiscoverable lists the device-property resources that exist but
// are intentionally excluded from /.well-known/core (they're reachable
// only via /p or direct URI, per spec.md §6's "/p (list of
// non-discoverable properties, link-format)").
var nonDiscoverableURIs = []string{
	"/dev/sn", "/dev/hwv", "/dev/fwv", "/dev/hname",
	"/dev/iid", "/dev/pm", "/dev/ia",
}

// Register adds the device property resources and /p to router. props
// is read at request time via the closure, so later mutation (e.g. by
// internal/knx/lsm after a factory reset) is reflected immediately.
func Register(router *ri.Router, props *DeviceProperties) {
	cborGET := func(value func() (interface{}, bool)) ri.HandlerFunc {
		return func(req *coap.Message, iface ri.InterfaceMask) *coap.Message {
			v, ok := value()
			if !ok {
				return &coap.Message{Code: coap.CodeNotFound, MessageID: req.MessageID, Token: req.Token}
			}
			payload, err := cbor.Marshal(v)
			if err != nil {
				return &coap.Message{Code: coap.CodeInternalServerError, MessageID: req.MessageID, Token: req.Token}
			}
			resp := &coap.Message{
				Type:      coap.TypeAcknowledgement,
				Code:      coap.CodeContent,
				MessageID: req.MessageID,
				Token:     req.Token,
				Payload:   payload,
			}
			resp.AddOption(coap.OptionContentFormat, []byte{60}) // application/cbor
			return resp
		}
	}

	router.Register(&ri.Resource{
		URI: "/dev/sn", Public: true, ContentType: 60,
		GET: cborGET(func() (interface{}, bool) { return props.SerialNumber, true }),
	})
	router.Register(&ri.Resource{
		URI: "/dev/hwv", Public: true, ContentType: 60,
		GET: cborGET(func() (interface{}, bool) { return props.HardwareVersion, true }),
	})
	router.Register(&ri.Resource{
		URI: "/dev/fwv", Public: true, ContentType: 60,
		GET: cborGET(func() (interface{}, bool) { return props.FirmwareVersion, true }),
	})
	router.Register(&ri.Resource{
		URI: "/dev/hname", Public: true, ContentType: 60,
		GET: cborGET(func() (interface{}, bool) { return props.Hostname, true }),
	})
	router.Register(&ri.Resource{
		URI: "/dev/iid", Public: true, ContentType: 60,
		GET: cborGET(func() (interface{}, bool) { return props.IID, true }),
	})
	router.Register(&ri.Resource{
		URI: "/dev/pm", Public: true, ContentType: 60,
		GET: cborGET(func() (interface{}, bool) { return props.ProgrammingMode, true }),
	})
	router.Register(&ri.Resource{
		URI: "/dev/ia", Public: true, ContentType: 60,
		GET: cborGET(func() (interface{}, bool) { return props.IA, true }),
	})

	router.Register(&ri.Resource{
		URI: "/p", Public: true, ContentType: 40, // application/link-format
		GET: func(req *coap.Message, iface ri.InterfaceMask) *coap.Message {
			var entries []string
			for _, uri := range nonDiscoverableURIs {
				entries = append(entries, "<"+uri+">")
			}
			resp := &coap.Message{
				Type:      coap.TypeAcknowledgement,
				Code:      coap.CodeContent,
				MessageID: req.MessageID,
				Token:     req.Token,
				Payload:   []byte(strings.Join(entries, ",\n")),
			}
			resp.AddOption(coap.OptionContentFormat, []byte{40})
			return resp
		},
	})
}
