// Package ri implements the resource router: URI matching (exact then
// wildcard), interface-mask access control, and content-type
// negotiation over the registered application and core resources.
package ri

import (
	"strings"
	"sync"

	"github.com/knx-iot/gateway/internal/buffer"
	"github.com/knx-iot/gateway/internal/coap"
)

// AuthChecker resolves the interface scopes an access-token entry
// grants. A request with no AuthTokenIdx (unauthenticated / unsecured)
// only reaches Public resources.
type AuthChecker interface {
	GrantedScopes(authAtIndex int) (InterfaceMask, bool)
}

// Router holds the registry of application resources for one device
// and dispatches decoded requests to the matching resource's handler.
type Router struct {
	mu        sync.RWMutex
	exact     map[string]*Resource
	wildcards []*Resource

	Auth AuthChecker
}

func NewRouter(auth AuthChecker) *Router {
	return &Router{
		exact: make(map[string]*Resource),
		Auth:  auth,
	}
}

// Register adds a resource to the registry. Wildcarded URIs (trailing
// "*") are checked after all exact matches fail.
func (r *Router) Register(res *Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Wildcard() {
		r.wildcards = append(r.wildcards, res)
		return
	}
	r.exact[res.URI] = res
}

// Resources returns a snapshot of every registered resource, exact and
// wildcarded, for use by discovery.
func (r *Router) Resources() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Resource, 0, len(r.exact)+len(r.wildcards))
	for _, res := range r.exact {
		out = append(out, res)
	}
	out = append(out, r.wildcards...)
	return out
}

// FindByURI resolves a resource for an invoked URI: exact match first,
// then the first wildcard whose prefix matches.
func (r *Router) FindByURI(uri string) *Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.exact[uri]; ok {
		return res
	}
	for _, res := range r.wildcards {
		prefix := res.URI[:len(res.URI)-1]
		if strings.HasPrefix(uri, prefix) {
			return res
		}
	}
	return nil
}

// Handle implements coap.Handler: resolve the resource, enforce access
// control and content negotiation, and dispatch to its method handler.
func (r *Router) Handle(req *coap.Message, endpoint buffer.Endpoint) *coap.Message {
	uri := joinURIPath(req)

	res := r.FindByURI(uri)
	if res == nil {
		return errorResponse(req, coap.CodeNotFound)
	}

	handler := res.handlerFor(req.Code)
	if handler == nil {
		return errorResponse(req, coap.CodeMethodNotAllowed)
	}

	iface, ok := r.authorize(res, endpoint)
	if !ok {
		return errorResponse(req, coap.CodeForbidden)
	}

	if !r.acceptOK(req, res) {
		return errorResponse(req, coap.CodeNotAcceptable)
	}

	return handler(req, iface)
}

// authorize resolves the interface scope granted to this request and
// checks it covers everything the resource requires. Public resources,
// and token-bearing requests when no AuthChecker is configured, get the
// resource's own declared interfaces; a request carrying no access
// token is refused for any non-public resource.
func (r *Router) authorize(res *Resource, endpoint buffer.Endpoint) (InterfaceMask, bool) {
	if res.Public || r.Auth == nil || endpoint.AuthTokenIdx == 0 {
		if !res.Public && endpoint.AuthTokenIdx == 0 {
			return 0, false
		}
		return res.Interfaces, true
	}
	granted, ok := r.Auth.GrantedScopes(endpoint.AuthTokenIdx)
	if !ok {
		return 0, false
	}
	if !granted.Has(res.Interfaces) {
		return 0, false
	}
	return granted, true
}

// acceptOK enforces the resource's declared content type against the
// request's Accept option (CoAP's Accept is carried as an option with
// the same number space as Content-Format).
func (r *Router) acceptOK(req *coap.Message, res *Resource) bool {
	if res.ContentType == 0 {
		// Content type varies per method (e.g. link-format on GET,
		// CBOR on POST): the resource's own handlers negotiate it.
		return true
	}
	acceptOpt := req.FindOption(coap.OptionAccept)
	if acceptOpt == nil {
		return true
	}
	if len(acceptOpt.Value) == 0 {
		return true
	}
	var accept uint16
	for _, b := range acceptOpt.Value {
		accept = accept<<8 | uint16(b)
	}
	return accept == res.ContentType
}

// ResourceRegistered implements knx/gm.ResourceResolver: reports
// whether uri names a resource registered on this device, and whether
// that resource is discoverable via /.well-known/core.
func (r *Router) ResourceRegistered(uri string) (discoverable bool, ok bool) {
	res := r.FindByURI(uri)
	if res == nil {
		return false, false
	}
	return res.Properties&PropDiscoverable != 0, true
}

// Invoke calls uri's handler for method directly, bypassing access
// control and content negotiation. Used by internal callers (group
// dispatch, s-mode fan-out) that already trust the request and are not
// relaying an externally authenticated CoAP exchange.
func (r *Router) Invoke(uri string, method coap.Code, req *coap.Message) *coap.Message {
	res := r.FindByURI(uri)
	if res == nil {
		return errorResponse(req, coap.CodeNotFound)
	}
	handler := res.handlerFor(method)
	if handler == nil {
		return errorResponse(req, coap.CodeMethodNotAllowed)
	}
	return handler(req, res.Interfaces)
}

// RequestURI reconstructs the invoked URI from a request's URI-Path
// options. Exported for callers (e.g. wildcard resource handlers) that
// need the concrete invoked path, not just the matched resource's
// template URI.
func RequestURI(req *coap.Message) string {
	return joinURIPath(req)
}

func joinURIPath(req *coap.Message) string {
	var b strings.Builder
	for _, opt := range req.AllOptions(coap.OptionURIPath) {
		b.WriteByte('/')
		b.Write(opt.Value)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

func errorResponse(req *coap.Message, code coap.Code) *coap.Message {
	return &coap.Message{
		Type:      coap.TypeAcknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
	}
}
