// Package discovery renders the /.well-known/core link-format listing
// and its rt=/if=/ep=/d=/l=/pn= query filters, grounded on the
// original stack's well-known/core discovery handler.
package discovery

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/knx-iot/gateway/internal/ri"
)

// PageSize is the fixed number of link-format entries returned per
// page when no l=ps/l=total query is present.
const PageSize = 5

// DeviceInfo supplies the fields the serial-number and individual
// -address discovery shortcuts need.
type DeviceInfo struct {
	SerialNumber string
	IID          uint64
	IA           uint32
}

// GroupPointLister answers "which local data-points are reachable at
// this group address", for the ?d=urn:knx:g.s.[ga] discovery query.
type GroupPointLister interface {
	PointsAtGroupAddress(ga int) []string
	LoadStateLoaded() bool
}

// Query is the parsed set of discovery filters from a request's URI
// query string.
type Query struct {
	RT        string
	IF        string
	EP        string
	D         string
	LPS       bool
	LTotal    bool
	PageNum   int
	HasPageNum bool
}

// ParseQuery splits a CoAP URI-Query string (individual key=value
// segments already joined by '&', as URI-Query options are repeated
// and reassembled by the caller) into a Query.
func ParseQuery(raw string) Query {
	var q Query
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "rt":
			q.RT = value
		case "if":
			q.IF = value
		case "ep":
			q.EP = value
		case "d":
			q.D = value
		case "l":
			if value == "ps" {
				q.LPS = true
			} else if value == "total" {
				q.LTotal = true
			}
		case "pn":
			if n, err := strconv.Atoi(value); err == nil {
				q.PageNum = n
				q.HasPageNum = true
			}
		}
	}
	return q
}

// Render builds the link-format payload for a discovery request
// against the given router's registered resources. An optional
// GroupPointLister answers a ?d=urn:knx:g.s.[ga] query by rendering the
// local data-points reachable at that group address instead of the
// resource-property filter below; omit it (or pass none) when the
// caller has no group-point source, e.g. in unit tests against a bare
// router.
func Render(router *ri.Router, q Query, baseURI string, lister ...GroupPointLister) string {
	if q.D != "" && len(lister) > 0 && lister[0] != nil {
		if ga, ok := parseGroupAddressQuery(q.D); ok {
			if body, ok := RenderGroupPoints(lister[0], ga); ok {
				return body
			}
			return ""
		}
	}

	if q.LPS || q.LTotal {
		return renderPageIndicator(baseURI, q, countDiscoverable(router, q))
	}

	matches := filterResources(router, q)

	firstEntry := 0
	if q.HasPageNum {
		firstEntry = q.PageNum * PageSize
	}
	lastEntry := len(matches)
	moreNeeded := false
	if lastEntry > firstEntry+PageSize {
		lastEntry = firstEntry + PageSize
		moreNeeded = true
	}
	if firstEntry >= len(matches) {
		return ""
	}

	truncate := strings.HasPrefix(q.EP, "knx://")

	var entries []string
	for i := firstEntry; i < lastEntry && i < len(matches); i++ {
		entries = append(entries, renderEntry(matches[i], truncate))
	}

	out := strings.Join(entries, ",\n")
	if moreNeeded {
		nextPage := q.PageNum + 1
		if !q.HasPageNum {
			nextPage = 1
		}
		out += fmt.Sprintf(",\n<%s?pn=%d>", baseURI, nextPage)
	}
	return out
}

// RenderSerialNumber renders the "<>;ep=\"knx://sn.<sn> knx://ia.<iid>.<ia>\""
// entry used for multicast-with-no-queries and ep=*/sn.<sn> lookups.
func RenderSerialNumber(dev DeviceInfo) string {
	return fmt.Sprintf("<>;ep=\"knx://sn.%s knx://ia.%x.%x\"", dev.SerialNumber, dev.IID, dev.IA)
}

// RenderGroupPoints renders the href list for a ?d=urn:knx:g.s.[ga]
// discovery query. Returns ("", false) if the device isn't LOADED or
// the group address carries no local data-points.
func RenderGroupPoints(lister GroupPointLister, ga int) (string, bool) {
	if !lister.LoadStateLoaded() {
		return "", false
	}
	hrefs := lister.PointsAtGroupAddress(ga)
	if len(hrefs) == 0 {
		return "", false
	}
	var entries []string
	for _, href := range hrefs {
		entries = append(entries, fmt.Sprintf("<%s>", href))
	}
	return strings.Join(entries, ",\n"), true
}

func renderPageIndicator(baseURI string, q Query, total int) string {
	var suffix string
	switch {
	case q.LPS && q.LTotal:
		suffix = "?l=ps;l=total>"
	case q.LPS:
		suffix = "?l=ps>"
	case q.LTotal:
		suffix = "?l=total>"
	}
	entry := fmt.Sprintf("<%s%s", baseURI, suffix)
	if q.LPS {
		entry += fmt.Sprintf(";ps=%d", PageSize)
	}
	if q.LTotal {
		entry += fmt.Sprintf(";total=%d", total)
	}
	return entry
}

// parseGroupAddressQuery extracts the group address from a
// "urn:knx:g.s.<ga>" ?d= value.
func parseGroupAddressQuery(d string) (int, bool) {
	const prefix = "urn:knx:g.s."
	if !strings.HasPrefix(d, prefix) {
		return 0, false
	}
	ga, err := strconv.Atoi(strings.TrimPrefix(d, prefix))
	if err != nil {
		return 0, false
	}
	return ga, true
}

func countDiscoverable(router *ri.Router, q Query) int {
	return len(filterResources(router, q))
}

func filterResources(router *ri.Router, q Query) []*ri.Resource {
	var out []*ri.Resource
	for _, res := range router.Resources() {
		if res.Properties&ri.PropDiscoverable == 0 {
			continue
		}
		if q.RT != "" && !hasType(res.Types, q.RT) {
			continue
		}
		if q.IF != "" && !interfaceMatches(res.Interfaces, q.IF) {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func interfaceMatches(mask ri.InterfaceMask, want string) bool {
	for bit, name := range interfaceNamesSnapshot() {
		if name == want && mask.Has(bit) {
			return true
		}
	}
	return false
}

func interfaceNamesSnapshot() map[ri.InterfaceMask]string {
	return map[ri.InterfaceMask]string{
		ri.IfI:   "if.i",
		ri.IfO:   "if.o",
		ri.IfG:   "if.g.s",
		ri.IfC:   "if.c",
		ri.IfP:   "if.p",
		ri.IfD:   "if.d",
		ri.IfA:   "if.a",
		ri.IfS:   "if.s",
		ri.IfLL:  "if.ll",
		ri.IfB:   "if.b",
		ri.IfSec: "if.sec",
		ri.IfSWU: "if.swu",
		ri.IfPM:  "if.pm",
		ri.IfM:   "if.m",
	}
}

func renderEntry(res *ri.Resource, truncate bool) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(res.URI)
	b.WriteString(">;")

	if len(res.Types) > 0 {
		b.WriteString(`rt="`)
		for i, t := range res.Types {
			if i > 0 {
				b.WriteByte(' ')
			}
			if truncate && strings.HasPrefix(t, "urn:knx") {
				b.WriteString(t[7:])
			} else {
				b.WriteString(t)
			}
		}
		b.WriteString(`";`)
	}

	if res.Interfaces != ri.IfNone {
		b.WriteString("if=")
		first := true
		for bit, name := range interfaceNamesSnapshot() {
			if res.Interfaces.Has(bit) {
				if !first {
					b.WriteByte(' ')
				}
				b.WriteString(name)
				first = false
			}
		}
		b.WriteByte(';')
	}

	if res.ContentType != 0 {
		b.WriteString("ct=")
		b.WriteString(strconv.Itoa(int(res.ContentType)))
	}

	return b.String()
}

// DecodeURIQuery turns a CoAP request's joined URI-Query options
// (already url-decoded key=value segments, '&'-joined by the caller)
// through net/url for components that need it, e.g. extracting a
// wildcard serial number with embedded dots.
func DecodeURIQuery(raw string) url.Values {
	v, _ := url.ParseQuery(raw)
	return v
}
