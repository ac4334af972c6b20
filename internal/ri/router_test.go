package ri

import (
	"testing"

	"github.com/knx-iot/gateway/internal/buffer"
	"github.com/knx-iot/gateway/internal/coap"
)

type fakeAuth struct {
	scopes map[int]InterfaceMask
}

func (f *fakeAuth) GrantedScopes(idx int) (InterfaceMask, bool) {
	m, ok := f.scopes[idx]
	return m, ok
}

func requestFor(method coap.Code, path string) *coap.Message {
	req := &coap.Message{Type: coap.TypeConfirmable, Code: method, MessageID: 1, Token: []byte{1}}
	for _, seg := range splitPath(path) {
		req.AddOption(coap.OptionURIPath, []byte(seg))
	}
	return req
}

func splitPath(path string) []string {
	var out []string
	cur := ""
	for _, r := range path {
		if r == '/' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func TestRouter_ExactMatchDispatches(t *testing.T) {
	r := NewRouter(nil)
	called := false
	r.Register(&Resource{
		URI:        "/dev/sn",
		Public:     true,
		Interfaces: IfI,
		GET: func(req *coap.Message, iface InterfaceMask) *coap.Message {
			called = true
			return &coap.Message{Code: coap.CodeContent}
		},
	})

	resp := r.Handle(requestFor(coap.CodeGET, "/dev/sn"), buffer.Endpoint{})
	if !called {
		t.Fatal("expected handler invoked")
	}
	if resp.Code != coap.CodeContent {
		t.Fatalf("expected 2.05, got %v", resp.Code)
	}
}

func TestRouter_WildcardMatchDispatches(t *testing.T) {
	r := NewRouter(nil)
	var seen string
	r.Register(&Resource{
		URI:        "/fp/g/*",
		Public:     true,
		Interfaces: IfG,
		GET: func(req *coap.Message, iface InterfaceMask) *coap.Message {
			seen = WildcardValueAsString("/fp/g/*", "/fp/g/17")
			return &coap.Message{Code: coap.CodeContent}
		},
	})

	r.Handle(requestFor(coap.CodeGET, "/fp/g/17"), buffer.Endpoint{})
	if seen != "17" {
		t.Errorf("expected wildcard tail '17', got %q", seen)
	}
}

func TestRouter_UnknownURINotFound(t *testing.T) {
	r := NewRouter(nil)
	resp := r.Handle(requestFor(coap.CodeGET, "/nope"), buffer.Endpoint{})
	if resp.Code != coap.CodeNotFound {
		t.Fatalf("expected 4.04, got %v", resp.Code)
	}
}

func TestRouter_MethodNotRegisteredRejected(t *testing.T) {
	r := NewRouter(nil)
	r.Register(&Resource{URI: "/dev/sn", Public: true, GET: func(*coap.Message, InterfaceMask) *coap.Message {
		return &coap.Message{Code: coap.CodeContent}
	}})
	resp := r.Handle(requestFor(coap.CodePUT, "/dev/sn"), buffer.Endpoint{})
	if resp.Code != coap.CodeMethodNotAllowed {
		t.Fatalf("expected 4.05, got %v", resp.Code)
	}
}

func TestRouter_UnauthenticatedRejectedForNonPublic(t *testing.T) {
	r := NewRouter(&fakeAuth{scopes: map[int]InterfaceMask{}})
	r.Register(&Resource{
		URI: "/fp/g", Interfaces: IfG,
		GET: func(*coap.Message, InterfaceMask) *coap.Message { return &coap.Message{Code: coap.CodeContent} },
	})
	resp := r.Handle(requestFor(coap.CodeGET, "/fp/g"), buffer.Endpoint{AuthTokenIdx: 0})
	if resp.Code != coap.CodeForbidden {
		t.Fatalf("expected 4.03, got %v", resp.Code)
	}
}

func TestRouter_InsufficientScopeRejected(t *testing.T) {
	r := NewRouter(&fakeAuth{scopes: map[int]InterfaceMask{1: IfI}})
	r.Register(&Resource{
		URI: "/fp/g", Interfaces: IfG,
		GET: func(*coap.Message, InterfaceMask) *coap.Message { return &coap.Message{Code: coap.CodeContent} },
	})
	resp := r.Handle(requestFor(coap.CodeGET, "/fp/g"), buffer.Endpoint{AuthTokenIdx: 1})
	if resp.Code != coap.CodeForbidden {
		t.Fatalf("expected 4.03 for insufficient scope, got %v", resp.Code)
	}
}

func TestRouter_SufficientScopeGranted(t *testing.T) {
	r := NewRouter(&fakeAuth{scopes: map[int]InterfaceMask{1: IfG | IfI}})
	r.Register(&Resource{
		URI: "/fp/g", Interfaces: IfG,
		GET: func(*coap.Message, InterfaceMask) *coap.Message { return &coap.Message{Code: coap.CodeContent} },
	})
	resp := r.Handle(requestFor(coap.CodeGET, "/fp/g"), buffer.Endpoint{AuthTokenIdx: 1})
	if resp.Code != coap.CodeContent {
		t.Fatalf("expected handler response, got %v", resp.Code)
	}
}

func TestRouter_AcceptMismatchRejected(t *testing.T) {
	r := NewRouter(nil)
	r.Register(&Resource{
		URI: "/fp/g", Public: true, ContentType: 60,
		GET: func(*coap.Message, InterfaceMask) *coap.Message { return &coap.Message{Code: coap.CodeContent} },
	})
	req := requestFor(coap.CodeGET, "/fp/g")
	req.AddOption(coap.OptionAccept, []byte{40}) // link-format, resource wants CBOR (60)
	resp := r.Handle(req, buffer.Endpoint{})
	if resp.Code != coap.CodeNotAcceptable {
		t.Fatalf("expected 4.06, got %v", resp.Code)
	}
}
