package gm

import (
	"context"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/knx-iot/gateway/internal/coap"
	"github.com/knx-iot/gateway/internal/ri"
)

const (
	contentTypeLinkFormat uint16 = 40
	contentTypeCBOR       uint16 = 60
	pageSize                     = 5
)

// rpKind distinguishes the Publisher Table from the Recipient Table:
// same entry shape, same handlers, different URI prefix, storage
// prefix, and metrics label.
type rpKind struct {
	name        string
	uri         string
	storePrefix string
}

var (
	kindPublisher = rpKind{name: "publisher", uri: "/fp/p", storePrefix: "GPUBT"}
	kindRecipient = rpKind{name: "recipient", uri: "/fp/r", storePrefix: "GRECT"}
)

func (m *Manager) tableFor(kind rpKind) map[int]*RPEntry {
	if kind == kindPublisher {
		return m.pub
	}
	return m.rec
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
	resp.AddOption(coap.OptionContentFormat, []byte{byte(contentTypeCBOR)})
	return resp
}

func respondLinkFormat(req *coap.Message, code coap.Code, body string) *coap.Message {
	resp := respond(req, code)
	resp.Payload = []byte(body)
	resp.AddOption(coap.OptionContentFormat, []byte{byte(contentTypeLinkFormat)})
	return resp
}

func acceptIs(req *coap.Message, want uint16) bool {
	opt := req.FindOption(coap.OptionAccept)
	if opt == nil {
		return true
	}
	var got uint16
	for _, b := range opt.Value {
		got = got<<8 | uint16(b)
	}
	return got == want
}

func queryString(req *coap.Message) string {
	var parts []string
	for _, opt := range req.AllOptions(coap.OptionURIQuery) {
		parts = append(parts, string(opt.Value))
	}
	return strings.Join(parts, "&")
}

// renderPage renders the link-format listing for one table: each id in
// ids as "<prefix/id>;ct=60", paginated at pageSize with a next-page
// link, or the ps/total page indicator when requested.
func renderPage(uriPrefix string, ids []int, q tableQuery) string {
	if q.ps || q.total {
		var b strings.Builder
		fmt.Fprintf(&b, "<%s", uriPrefix)
		if q.ps && q.total {
			b.WriteString("?l=ps;l=total>")
		} else if q.ps {
			b.WriteString("?l=ps>")
		} else {
			b.WriteString("?l=total>")
		}
		if q.ps {
			fmt.Fprintf(&b, ";ps=%d", pageSize)
		}
		if q.total {
			fmt.Fprintf(&b, ";total=%d", len(ids))
		}
		return b.String()
	}

	first := 0
	if q.hasPage {
		first = q.page * pageSize
	}
	if first >= len(ids) {
		return ""
	}
	last := len(ids)
	more := false
	if last > first+pageSize {
		last = first + pageSize
		more = true
	}

	var entries []string
	for i := first; i < last; i++ {
		entries = append(entries, fmt.Sprintf("<%s/%d>;ct=60", uriPrefix, ids[i]))
	}
	out := strings.Join(entries, ",\n")
	if more {
		next := q.page + 1
		if !q.hasPage {
			next = 1
		}
		out += fmt.Sprintf(",\n<%s?pn=%d>", uriPrefix, next)
	}
	return out
}

type tableQuery struct {
	ps, total bool
	page      int
	hasPage   bool
}

func parseTableQuery(raw string) tableQuery {
	var q tableQuery
	for _, part := range strings.Split(raw, "&") {
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "l":
			if value == "ps" {
				q.ps = true
			} else if value == "total" {
				q.total = true
			}
		case "pn":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
				q.page = n
				q.hasPage = true
			}
		}
	}
	return q
}

// --- Group Object Table -----------------------------------------------

func (m *Manager) registerGroupObjectTable(router *ri.Router) {
	router.Register(&ri.Resource{
		URI: "/fp/g", Interfaces: ri.IfC | ri.IfB, Properties: ri.PropDiscoverable,
		Types: []string{"urn:knx:if.c"},
		GET:   m.handleGOTGet, POST: m.handleGOTPost,
	})
	router.Register(&ri.Resource{
		URI: "/fp/g/*", Interfaces: ri.IfD | ri.IfC, Properties: ri.PropDiscoverable,
		Types: []string{"urn:knx:if.c"},
		GET:   m.handleGOTGetByID, DELETE: m.handleGOTDeleteByID,
	})
}

func (m *Manager) handleGOTGet(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
	if !acceptIs(req, contentTypeLinkFormat) {
		return respond(req, coap.CodeBadRequest)
	}
	m.mu.RLock()
	ids := make([]int, 0, len(m.got))
	for _, slot := range sortedGOTSlots(m.got) {
		ids = append(ids, m.got[slot].ID)
	}
	m.mu.RUnlock()

	q := parseTableQuery(queryString(req))
	return respondLinkFormat(req, coap.CodeContent, renderPage("/fp/g", ids, q))
}

func (m *Manager) handleGOTGetByID(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
	if !acceptIs(req, contentTypeCBOR) {
		return respond(req, coap.CodeBadRequest)
	}
	id := ri.WildcardValueAsInt("/fp/g/*", ri.RequestURI(req))

	m.mu.RLock()
	defer m.mu.RUnlock()
	slot := findGOTSlotByID(m.got, id)
	if slot == -1 {
		return respond(req, coap.CodeNotFound)
	}
	entry := m.got[slot]
	return respondCBOR(req, coap.CodeContent, gotWire{ID: entry.ID, Href: entry.Href, GA: entry.GA, CFlags: entry.CFlags})
}

func (m *Manager) handleGOTDeleteByID(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
	if !m.lsm.Loading() {
		return respond(req, coap.CodeBadRequest)
	}
	id := ri.WildcardValueAsInt("/fp/g/*", ri.RequestURI(req))

	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := findGOTSlotByID(m.got, id)
	if slot == -1 {
		return respond(req, coap.CodeNotFound)
	}
	delete(m.got, slot)
	if err := deleteGOTEntry(ctx, m.store, slot); err != nil {
		return respond(req, coap.CodeInternalServerError)
	}
	tableMutation("group_object", "delete")
	if err := m.increaseFingerprint(ctx); err != nil {
		return respond(req, coap.CodeInternalServerError)
	}
	return respond(req, coap.CodeDeleted)
}

func (m *Manager) handleGOTPost(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
	if !acceptIs(req, contentTypeCBOR) {
		return respond(req, coap.CodeBadRequest)
	}
	if !m.lsm.Loading() {
		return respond(req, coap.CodeMethodNotAllowed)
	}

	var objects []map[int]interface{}
	if err := cbor.Unmarshal(req.Payload, &objects); err != nil {
		return respond(req, coap.CodeBadRequest)
	}

	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()

	status := coap.CodeChanged
	anyMutation := false
	for _, obj := range objects {
		idVal, hasID := mapInt(obj, keyID)
		if !hasID {
			return respond(req, coap.CodeBadRequest)
		}
		id := int(idVal)

		existingSlot := findGOTSlotByID(m.got, id)
		if existingSlot != -1 {
			status = coap.CodeChanged
		} else {
			status = coap.CodeCreated
		}
		slot := findEmptyGOTSlot(m.got, id)
		if slot == -1 {
			return respond(req, coap.CodeBadRequest)
		}

		href, hasHref := mapString(obj, keyHref)
		ga, hasGA := mapIntArray(obj, keyGA)
		cflagsRaw, hasCFlags := obj[keyCFlags]

		idOnly := !hasHref && !hasGA && !hasCFlags
		if idOnly {
			delete(m.got, slot)
			_ = deleteGOTEntry(ctx, m.store, slot)
			tableMutation("group_object", "delete")
			anyMutation = true
			continue
		}

		mandatory := 1 // id
		if hasHref {
			mandatory++
		}
		if hasGA {
			mandatory++
		}
		if hasCFlags {
			mandatory++
		}
		if status == coap.CodeCreated && mandatory != 4 {
			return respond(req, coap.CodeBadRequest)
		}

		entry := &GroupObjectEntry{ID: id}
		if existing, ok := m.got[slot]; ok {
			*entry = *existing
			entry.ID = id
		}
		if hasHref {
			entry.Href = href
		}
		if hasGA {
			entry.GA = ga
		}
		if hasCFlags {
			entry.CFlags = decodeCFlags(cflagsRaw)
		}
		if !m.validateGOT(entry) {
			delete(m.got, slot)
			_ = deleteGOTEntry(ctx, m.store, slot)
			return respond(req, coap.CodeBadRequest)
		}
		m.got[slot] = entry
		if err := storeGOTEntry(ctx, m.store, slot, entry); err != nil {
			return respond(req, coap.CodeInternalServerError)
		}
		tableMutation("group_object", "put")
		anyMutation = true
	}

	if anyMutation {
		if err := m.increaseFingerprint(ctx); err != nil {
			return respond(req, coap.CodeInternalServerError)
		}
	}
	return respond(req, status)
}

func (m *Manager) validateGOT(e *GroupObjectEntry) bool {
	if len(e.GA) == 0 || e.CFlags == CFlagNone || e.Href == "" {
		return false
	}
	if m.resources == nil {
		return true
	}
	discoverable, ok := m.resources.ResourceRegistered(e.Href)
	if !ok || discoverable {
		return false
	}
	return true
}

// --- Publisher / Recipient Table ---------------------------------------

func (m *Manager) registerRPTable(router *ri.Router, kind rpKind) {
	router.Register(&ri.Resource{
		URI: kind.uri, Interfaces: ri.IfC | ri.IfB, Properties: ri.PropDiscoverable,
		Types: []string{"urn:knx:if.c"},
		GET:   m.rpGetHandler(kind), POST: m.rpPostHandler(kind),
	})
	router.Register(&ri.Resource{
		URI: kind.uri + "/*", Interfaces: ri.IfD | ri.IfC, Properties: ri.PropDiscoverable,
		Types: []string{"urn:knx:if.c"},
		GET:   m.rpGetByIDHandler(kind), DELETE: m.rpDeleteByIDHandler(kind),
	})
}

func (m *Manager) rpGetHandler(kind rpKind) ri.HandlerFunc {
	return func(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
		if !acceptIs(req, contentTypeLinkFormat) {
			return respond(req, coap.CodeBadRequest)
		}
		m.mu.RLock()
		table := m.tableFor(kind)
		ids := make([]int, 0, len(table))
		for _, slot := range sortedRPSlots(table) {
			ids = append(ids, table[slot].ID)
		}
		m.mu.RUnlock()

		q := parseTableQuery(queryString(req))
		return respondLinkFormat(req, coap.CodeContent, renderPage(kind.uri, ids, q))
	}
}

func (m *Manager) rpGetByIDHandler(kind rpKind) ri.HandlerFunc {
	return func(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
		if !acceptIs(req, contentTypeCBOR) {
			return respond(req, coap.CodeBadRequest)
		}
		id := ri.WildcardValueAsInt(kind.uri+"/*", ri.RequestURI(req))

		m.mu.RLock()
		defer m.mu.RUnlock()
		table := m.tableFor(kind)
		slot := findRPSlotByID(table, id)
		if slot == -1 {
			return respond(req, coap.CodeNotFound)
		}
		e := table[slot]
		return respondCBOR(req, coap.CodeContent, rpWire{
			ID: e.ID, GA: e.GA, IA: e.IA, GroupID: e.GroupID, IID: e.IID,
			FID: e.FunctionID, Path: e.Path, URL: e.URL, At: e.At,
		})
	}
}

func (m *Manager) rpDeleteByIDHandler(kind rpKind) ri.HandlerFunc {
	return func(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
		if !m.lsm.Loading() {
			return respond(req, coap.CodeBadRequest)
		}
		id := ri.WildcardValueAsInt(kind.uri+"/*", ri.RequestURI(req))

		ctx := context.Background()
		m.mu.Lock()
		defer m.mu.Unlock()
		table := m.tableFor(kind)
		slot := findRPSlotByID(table, id)
		if slot == -1 {
			return respond(req, coap.CodeNotFound)
		}
		delete(table, slot)
		if err := deleteRPEntry(ctx, m.store, kind, slot); err != nil {
			return respond(req, coap.CodeInternalServerError)
		}
		tableMutation(kind.name, "delete")
		if err := m.increaseFingerprint(ctx); err != nil {
			return respond(req, coap.CodeInternalServerError)
		}
		return respond(req, coap.CodeDeleted)
	}
}

func (m *Manager) rpPostHandler(kind rpKind) ri.HandlerFunc {
	return func(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
		if !acceptIs(req, contentTypeCBOR) {
			return respond(req, coap.CodeBadRequest)
		}
		if !m.lsm.Loading() {
			return respond(req, coap.CodeMethodNotAllowed)
		}

		var objects []map[int]interface{}
		if err := cbor.Unmarshal(req.Payload, &objects); err != nil {
			return respond(req, coap.CodeBadRequest)
		}

		ctx := context.Background()
		m.mu.Lock()
		defer m.mu.Unlock()
		table := m.tableFor(kind)

		status := coap.CodeChanged
		anyMutation := false
		for _, obj := range objects {
			idVal, hasID := mapInt(obj, keyID)
			if !hasID {
				return respond(req, coap.CodeBadRequest)
			}
			id := int(idVal)

			if findRPSlotByID(table, id) != -1 {
				status = coap.CodeChanged
			} else {
				status = coap.CodeCreated
			}
			slot := findEmptyRPSlot(table, id)
			if slot == -1 {
				return respond(req, coap.CodeBadRequest)
			}

			ga, hasGA := mapIntArray(obj, keyGA)
			ia, hasIA := mapInt(obj, keyIA)
			grpid, hasGrpID := mapInt(obj, keyGrpID)
			url, hasURL := mapString(obj, keyURL)

			idOnly := !hasGA && !hasIA && !hasGrpID && !hasURL
			if idOnly {
				delete(table, slot)
				_ = deleteRPEntry(ctx, m.store, kind, slot)
				tableMutation(kind.name, "delete")
				anyMutation = true
				continue
			}

			identifierPresent := hasIA || hasGrpID || hasURL
			mandatory := 1 // id
			if hasGA {
				mandatory++
			}
			if status == coap.CodeCreated && (mandatory != 2 || !identifierPresent) {
				delete(table, slot)
				_ = deleteRPEntry(ctx, m.store, kind, slot)
				return respond(req, coap.CodeBadRequest)
			}

			entry := &RPEntry{ID: id}
			if existing, ok := table[slot]; ok {
				*entry = *existing
				entry.ID = id
			}
			if hasGA {
				entry.GA = ga
			}
			if hasIA {
				entry.IA = int(ia)
			}
			if hasGrpID {
				entry.GroupID = uint32(grpid)
			}
			if hasURL {
				entry.URL = url
			}
			if p, ok := mapString(obj, keyPath); ok {
				entry.Path = p
			}
			if a, ok := mapString(obj, keyAt); ok {
				entry.At = a
			}
			if v, ok := mapInt(obj, keyIID); ok {
				entry.IID = uint64(v)
			}
			if v, ok := mapInt(obj, keyFID); ok {
				entry.FunctionID = int(v)
			}
			table[slot] = entry
			if err := storeRPEntry(ctx, m.store, kind, slot, entry); err != nil {
				return respond(req, coap.CodeInternalServerError)
			}
			tableMutation(kind.name, "put")
			anyMutation = true
		}

		if anyMutation {
			if err := m.increaseFingerprint(ctx); err != nil {
				return respond(req, coap.CodeInternalServerError)
			}
		}
		return respond(req, status)
	}
}
