// Package coap implements the CoAP engine: wire parsing, duplicate
// suppression, transaction and Echo-challenge correlation, and the
// glue between the scheduler's inbound/outbound events and the
// resource router and OSCORE layer.
package coap

// Type is the CoAP message type (RFC 7252 §3).
type Type uint8

const (
	TypeConfirmable    Type = 0
	TypeNonConfirmable Type = 1
	TypeAcknowledgement Type = 2
	TypeReset          Type = 3
)

// Code is a CoAP method or response code, packed as (class<<5)|detail.
type Code uint8

func MakeCode(class, detail uint8) Code { return Code(class<<5 | detail) }

const (
	CodeEmpty  Code = 0
	CodeGET    Code = 1
	CodePOST   Code = 2
	CodePUT    Code = 3
	CodeDELETE Code = 4
	CodeFETCH  Code = 5

	CodeCreated    Code = 65 // 2.01
	CodeDeleted    Code = 66 // 2.02
	CodeValid      Code = 67 // 2.03
	CodeChanged    Code = 68 // 2.04
	CodeContent    Code = 69 // 2.05
	CodeContinue   Code = 95 // 2.31

	CodeBadRequest  Code = 128 // 4.00
	CodeUnauthorized Code = 129 // 4.01
	CodeBadOption   Code = 130 // 4.02
	CodeForbidden   Code = 131 // 4.03
	CodeNotFound    Code = 132 // 4.04
	CodeMethodNotAllowed Code = 133 // 4.05
	CodeNotAcceptable Code = 134 // 4.06
	CodeRequestEntityTooLarge Code = 141 // 4.13

	CodeInternalServerError Code = 160 // 5.00
)

// Class reports the code's class digit (0 = method, 2 = success, 4/5 =
// error), for dispatch decisions that only need to know "is this a
// request or a response".
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// IsRequest reports whether this code is a method (class 0, nonzero).
func (c Code) IsRequest() bool { return c.Class() == 0 && c != CodeEmpty }

// Option numbers used by this stack (RFC 7252, RFC 7959, RFC 9175, and
// the OSCORE option from RFC 8613).
const (
	OptionIfMatch       = 1
	OptionURIHost       = 3
	OptionETag          = 4
	OptionIfNoneMatch   = 5
	OptionObserve       = 6
	OptionURIPort       = 7
	OptionLocationPath  = 8
	OptionOSCORE        = 9
	OptionURIPath       = 11
	OptionContentFormat = 12
	OptionMaxAge        = 14
	OptionURIQuery      = 15
	OptionAccept        = 17
	OptionLocationQuery = 20
	OptionBlock2        = 23
	OptionBlock1        = 27
	OptionSize2         = 28
	OptionProxyURI      = 35
	OptionProxyScheme   = 39
	OptionSize1         = 60
	OptionEcho          = 252
)

// Option is a single CoAP option instance (number, opaque value).
type Option struct {
	Number int
	Value  []byte
}

// Message is a parsed or to-be-serialized CoAP message.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// FindOption returns the first option with the given number, or nil.
func (m *Message) FindOption(number int) *Option {
	for i := range m.Options {
		if m.Options[i].Number == number {
			return &m.Options[i]
		}
	}
	return nil
}

// AllOptions returns every option with the given number, in order
// (used for repeatable options like URI-Path and URI-Query).
func (m *Message) AllOptions(number int) []Option {
	var out []Option
	for _, o := range m.Options {
		if o.Number == number {
			out = append(out, o)
		}
	}
	return out
}

// AddOption appends an option. Callers must add options in ascending
// option-number order for the delta encoding in Marshal to work.
func (m *Message) AddOption(number int, value []byte) {
	m.Options = append(m.Options, Option{Number: number, Value: value})
}
