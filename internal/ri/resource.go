package ri

import "github.com/knx-iot/gateway/internal/coap"

// InterfaceMask is a bitset over the KNX-IoT interface scopes (if.i,
// if.o, if.g, ...). Scope value 1 is intentionally unused, matching
// the wire encoding.
type InterfaceMask uint16

const (
	IfNone InterfaceMask = 0
	IfI    InterfaceMask = 1 << 1
	IfO    InterfaceMask = 1 << 2
	IfG    InterfaceMask = 1 << 3
	IfC    InterfaceMask = 1 << 4
	IfP    InterfaceMask = 1 << 5
	IfD    InterfaceMask = 1 << 6
	IfA    InterfaceMask = 1 << 7
	IfS    InterfaceMask = 1 << 8
	IfLL   InterfaceMask = 1 << 9
	IfB    InterfaceMask = 1 << 10
	IfSec  InterfaceMask = 1 << 11
	IfSWU  InterfaceMask = 1 << 12
	IfPM   InterfaceMask = 1 << 13
	IfM    InterfaceMask = 1 << 14
)

var interfaceNames = map[InterfaceMask]string{
	IfI:   "if.i",
	IfO:   "if.o",
	IfG:   "if.g.s",
	IfC:   "if.c",
	IfP:   "if.p",
	IfD:   "if.d",
	IfA:   "if.a",
	IfS:   "if.s",
	IfLL:  "if.ll",
	IfB:   "if.b",
	IfSec: "if.sec",
	IfSWU: "if.swu",
	IfPM:  "if.pm",
	IfM:   "if.m",
}

// InterfaceString returns the KNX-IoT string form of a single interface
// scope, e.g. "if.i". Panics-free on unknown masks: returns "".
func InterfaceString(mask InterfaceMask) string {
	return interfaceNames[mask]
}

// Has reports whether mask includes every scope set in required.
func (mask InterfaceMask) Has(required InterfaceMask) bool {
	return mask&required == required
}

// Properties is the resource property bitmask (discoverable,
// observable, secure, ...).
type Properties uint16

const (
	PropDiscoverable Properties = 1 << 0
	PropObservable   Properties = 1 << 1
	PropSecure       Properties = 1 << 4
	PropPeriodic     Properties = 1 << 6
	PropSecureMcast  Properties = 1 << 8
)

// HandlerFunc answers one decoded, authorized, content-negotiated
// request for a single resource.
type HandlerFunc func(req *coap.Message, iface InterfaceMask) *coap.Message

// Resource is one entry in the router's registry: a URI (possibly
// wildcarded), the interfaces and content type it serves under, and
// up to one handler per CoAP method.
type Resource struct {
	Device        int
	Name          string
	URI           string
	Types         []string
	DPT           string
	Interfaces    InterfaceMask
	ContentFormat coap.Code
	ContentType   uint16
	Properties    Properties
	Public        bool // servable without a granted access token
	FBInstance    int

	GET    HandlerFunc
	PUT    HandlerFunc
	POST   HandlerFunc
	DELETE HandlerFunc
}

func (r *Resource) handlerFor(method coap.Code) HandlerFunc {
	switch method {
	case coap.CodeGET:
		return r.GET
	case coap.CodePUT:
		return r.PUT
	case coap.CodePOST:
		return r.POST
	case coap.CodeDELETE:
		return r.DELETE
	default:
		return nil
	}
}

// Wildcard reports whether this resource's URI ends with a trailing
// "*" and therefore matches any URI sharing its prefix.
func (r *Resource) Wildcard() bool {
	return len(r.URI) > 0 && r.URI[len(r.URI)-1] == '*'
}
