package invariant

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/luxapientia/alphacore/pkg/state"
	"github.com/luxapientia/alphacore/pkg/types"
)

// Invariant kinds. The set is closed: an unknown kind fails that invariant
// without aborting the run.
const (
	KindResourceExists     = "resource_exists"
	KindAttributeEquals    = "attribute_equals"
	KindFirewallAllows     = "firewall_allows"
	KindBindingGrants      = "binding_grants"
	KindCollectionContains = "collection_contains"
)

// Per-kind parameter shapes, decoded from the task spec by kind tag

type resourceExistsParams struct {
	Name string `json:"name"`
}

type attributeEqualsParams struct {
	Attribute string          `json:"attribute"`
	Expected  json.RawMessage `json:"expected"`
}

type firewallAllowsParams struct {
	Resource string `json:"resource,omitempty"`
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
}

type bindingGrantsParams struct {
	Resource  string `json:"resource,omitempty"`
	Principal string `json:"principal"`
	Role      string `json:"role"`
}

type collectionContainsParams struct {
	Attribute string          `json:"attribute"`
	Element   json.RawMessage `json:"element"`
}

// Evaluate runs every invariant against the state document in declared order
// and aggregates the score. Evaluation is pure: the document is read-only and
// no invariant can abort the run. A matcher panic fails that invariant with
// reason "exception".
func Evaluate(doc *state.Document, invs []types.Invariant) *types.Result {
	res := &types.Result{
		Detail:          make([]types.InvariantResult, 0, len(invs)),
		TotalInvariants: len(invs),
	}

	for _, inv := range invs {
		pass, reason := evalOne(doc, inv)
		status := types.ResultFail
		if pass {
			status = types.ResultPass
			res.PassedInvariants++
		}
		res.Detail = append(res.Detail, types.InvariantResult{
			ID:     inv.ID,
			Kind:   inv.Kind,
			Status: status,
			Reason: reason,
		})
	}

	// Fail-closed: zero invariants can never pass
	if res.TotalInvariants == 0 {
		res.Score = 0
		res.Status = types.ResultFail
		res.Message = "task spec declares no invariants"
		return res
	}

	res.Score = float64(res.PassedInvariants) / float64(res.TotalInvariants)
	if res.PassedInvariants == res.TotalInvariants {
		res.Status = types.ResultPass
	} else {
		res.Status = types.ResultFail
	}
	return res
}

// evalOne dispatches a single invariant, converting matcher panics into a
// failed invariant
func evalOne(doc *state.Document, inv types.Invariant) (pass bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			pass = false
			reason = "exception"
		}
	}()

	switch inv.Kind {
	case KindResourceExists:
		return matchResourceExists(doc, inv.Params)
	case KindAttributeEquals:
		return matchAttributeEquals(doc, inv.Params)
	case KindFirewallAllows:
		return matchFirewallAllows(doc, inv.Params)
	case KindBindingGrants:
		return matchBindingGrants(doc, inv.Params)
	case KindCollectionContains:
		return matchCollectionContains(doc, inv.Params)
	}
	return false, "unknown-kind"
}

func matchResourceExists(doc *state.Document, raw json.RawMessage) (bool, string) {
	var p resourceExistsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		return false, "bad-params"
	}
	if _, ok := state.FindResource(doc, p.Name); !ok {
		return false, fmt.Sprintf("resource %s not found", p.Name)
	}
	return true, ""
}

func matchAttributeEquals(doc *state.Document, raw json.RawMessage) (bool, string) {
	var p attributeEqualsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Attribute == "" {
		return false, "bad-params"
	}

	addr, attrPath, ok := state.SplitAttrPath(p.Attribute)
	if !ok {
		return false, fmt.Sprintf("malformed attribute path %q", p.Attribute)
	}
	res, ok := state.FindResource(doc, addr)
	if !ok {
		return false, fmt.Sprintf("resource %s not found", addr)
	}
	node, ok := doc.Path(res.Attrs, attrPath...)
	if !ok {
		return false, fmt.Sprintf("attribute %s not present", strings.Join(attrPath, "."))
	}

	if !scalarEquals(doc, node, p.Expected) {
		return false, fmt.Sprintf("expected %s, observed %s",
			rawLiteral(p.Expected), doc.Literal(node))
	}
	return true, ""
}

func matchFirewallAllows(doc *state.Document, raw json.RawMessage) (bool, string) {
	var p firewallAllowsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Protocol == "" {
		return false, "bad-params"
	}

	candidates := firewallCandidates(doc, p.Resource)
	if len(candidates) == 0 {
		return false, "no firewall resource in state"
	}

	for _, res := range candidates {
		if firewallAllowEntry(doc, res.Attrs, p.Protocol, p.Port) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("no rule allows %s/%d", p.Protocol, p.Port)
}

func firewallCandidates(doc *state.Document, addr string) []state.Resource {
	var out []state.Resource
	for _, r := range state.Resources(doc) {
		if addr != "" {
			if r.Addr() == addr {
				out = append(out, r)
			}
			continue
		}
		if _, ok := doc.Field(r.Attrs, "allow"); ok {
			out = append(out, r)
		}
	}
	return out
}

// firewallAllowEntry checks the attributes object for an allow block that
// covers the protocol and port. Ports are strings in provider state and may
// be single values or "lo-hi" ranges; an empty ports list allows all ports
// for the protocol.
func firewallAllowEntry(doc *state.Document, attrs state.NodeID, protocol string, port int) bool {
	allow, ok := doc.Field(attrs, "allow")
	if !ok || doc.KindOf(allow) != state.KindArray {
		return false
	}
	for i := 0; i < doc.Len(allow); i++ {
		entry, _ := doc.Index(allow, i)
		protoNode, _ := doc.Field(entry, "protocol")
		proto, _ := doc.String(protoNode)
		if !strings.EqualFold(proto, protocol) && proto != "all" {
			continue
		}

		ports, ok := doc.Field(entry, "ports")
		if !ok || doc.Len(ports) == 0 {
			return true
		}
		for j := 0; j < doc.Len(ports); j++ {
			pNode, _ := doc.Index(ports, j)
			spec, _ := doc.String(pNode)
			if portSpecCovers(spec, port) {
				return true
			}
		}
	}
	return false
}

// portSpecCovers reports whether a port spec ("443" or "8000-9000") covers
// the given port
func portSpecCovers(spec string, port int) bool {
	if lo, hi, found := strings.Cut(spec, "-"); found {
		loN, err1 := strconv.Atoi(strings.TrimSpace(lo))
		hiN, err2 := strconv.Atoi(strings.TrimSpace(hi))
		return err1 == nil && err2 == nil && port >= loN && port <= hiN
	}
	n, err := strconv.Atoi(strings.TrimSpace(spec))
	return err == nil && n == port
}

func matchBindingGrants(doc *state.Document, raw json.RawMessage) (bool, string) {
	var p bindingGrantsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Principal == "" || p.Role == "" {
		return false, "bad-params"
	}

	for _, r := range state.Resources(doc) {
		if p.Resource != "" && r.Addr() != p.Resource {
			continue
		}
		roleNode, ok := doc.Field(r.Attrs, "role")
		if !ok {
			continue
		}
		role, _ := doc.String(roleNode)
		if role != p.Role {
			continue
		}
		if bindingHasPrincipal(doc, r.Attrs, p.Principal) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("no binding grants %s to %s", p.Role, p.Principal)
}

// bindingHasPrincipal accepts both binding-style resources (members list)
// and member-style resources (single member attribute)
func bindingHasPrincipal(doc *state.Document, attrs state.NodeID, principal string) bool {
	if members, ok := doc.Field(attrs, "members"); ok {
		for i := 0; i < doc.Len(members); i++ {
			m, _ := doc.Index(members, i)
			if s, _ := doc.String(m); s == principal {
				return true
			}
		}
	}
	if member, ok := doc.Field(attrs, "member"); ok {
		if s, _ := doc.String(member); s == principal {
			return true
		}
	}
	return false
}

func matchCollectionContains(doc *state.Document, raw json.RawMessage) (bool, string) {
	var p collectionContainsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Attribute == "" {
		return false, "bad-params"
	}

	addr, attrPath, ok := state.SplitAttrPath(p.Attribute)
	if !ok {
		return false, fmt.Sprintf("malformed attribute path %q", p.Attribute)
	}
	res, ok := state.FindResource(doc, addr)
	if !ok {
		return false, fmt.Sprintf("resource %s not found", addr)
	}
	coll, ok := doc.Path(res.Attrs, attrPath...)
	if !ok {
		return false, fmt.Sprintf("attribute %s not present", strings.Join(attrPath, "."))
	}
	if doc.KindOf(coll) != state.KindArray {
		return false, fmt.Sprintf("attribute %s is %s, not a collection",
			strings.Join(attrPath, "."), doc.KindOf(coll))
	}

	for i := 0; i < doc.Len(coll); i++ {
		el, _ := doc.Index(coll, i)
		if scalarEquals(doc, el, p.Element) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("element %s not in collection", rawLiteral(p.Element))
}

// scalarEquals compares a document node against an expected JSON scalar
func scalarEquals(doc *state.Document, id state.NodeID, expected json.RawMessage) bool {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(expected)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false
	}

	switch want := v.(type) {
	case nil:
		return doc.KindOf(id) == state.KindNull
	case bool:
		got, ok := doc.Bool(id)
		return ok && got == want
	case string:
		got, ok := doc.String(id)
		return ok && got == want
	case json.Number:
		f, err := want.Float64()
		if err != nil {
			return false
		}
		got, ok := doc.Number(id)
		return ok && got == f
	}
	return false
}

// rawLiteral renders an expected value for detail messages without the JSON
// string quoting
func rawLiteral(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
