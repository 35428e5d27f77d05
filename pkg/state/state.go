package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Kind is the type tag of a document node
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return "invalid"
}

// NodeID is an index into a Document's node arena. The zero Document has no
// valid ids; InvalidNode is returned by failed lookups.
type NodeID int

// InvalidNode is the null node id
const InvalidNode NodeID = -1

type node struct {
	kind     Kind
	str      string
	num      float64
	boolean  bool
	keys     []string // object keys, declaration order
	children []NodeID // object values or array elements
}

// Document is a provider state document held as an arena of nodes. Matchers
// walk arena views by id; there are no pointer chains, so cyclic inputs
// cannot produce unbounded traversals.
type Document struct {
	nodes []node
	root  NodeID
}

// Parse reads a JSON document into an arena. Object key order is preserved,
// which fixes the "first match" iteration order for matchers.
func Parse(r io.Reader) (*Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	doc := &Document{root: InvalidNode}
	id, err := doc.parseValue(dec)
	if err != nil {
		return nil, err
	}
	doc.root = id

	// Trailing garbage after the document is an error
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data in state document")
	}
	return doc, nil
}

// ParseBytes parses a JSON document from a byte slice
func ParseBytes(b []byte) (*Document, error) {
	return Parse(bytes.NewReader(b))
}

func (d *Document) parseValue(dec *json.Decoder) (NodeID, error) {
	tok, err := dec.Token()
	if err != nil {
		return InvalidNode, fmt.Errorf("failed to parse state document: %w", err)
	}
	return d.parseToken(dec, tok)
}

func (d *Document) parseToken(dec *json.Decoder, tok json.Token) (NodeID, error) {
	switch v := tok.(type) {
	case nil:
		return d.push(node{kind: KindNull}), nil
	case bool:
		return d.push(node{kind: KindBool, boolean: v}), nil
	case string:
		return d.push(node{kind: KindString, str: v}), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return InvalidNode, fmt.Errorf("failed to parse number %q: %w", v, err)
		}
		// Keep the literal text so integer-valued attributes compare exactly
		return d.push(node{kind: KindNumber, num: f, str: v.String()}), nil
	case json.Delim:
		switch v {
		case '{':
			return d.parseObject(dec)
		case '[':
			return d.parseArray(dec)
		}
	}
	return InvalidNode, fmt.Errorf("unexpected token %v in state document", tok)
}

func (d *Document) parseObject(dec *json.Decoder) (NodeID, error) {
	var keys []string
	var children []NodeID
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return InvalidNode, fmt.Errorf("failed to parse object key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return InvalidNode, fmt.Errorf("non-string object key %v", keyTok)
		}
		child, err := d.parseValue(dec)
		if err != nil {
			return InvalidNode, err
		}
		keys = append(keys, key)
		children = append(children, child)
	}
	if _, err := dec.Token(); err != nil { // consume '}'
		return InvalidNode, fmt.Errorf("failed to parse object close: %w", err)
	}
	return d.push(node{kind: KindObject, keys: keys, children: children}), nil
}

func (d *Document) parseArray(dec *json.Decoder) (NodeID, error) {
	var children []NodeID
	for dec.More() {
		child, err := d.parseValue(dec)
		if err != nil {
			return InvalidNode, err
		}
		children = append(children, child)
	}
	if _, err := dec.Token(); err != nil { // consume ']'
		return InvalidNode, fmt.Errorf("failed to parse array close: %w", err)
	}
	return d.push(node{kind: KindArray, children: children}), nil
}

func (d *Document) push(n node) NodeID {
	d.nodes = append(d.nodes, n)
	return NodeID(len(d.nodes) - 1)
}

func (d *Document) at(id NodeID) (node, bool) {
	if id < 0 || int(id) >= len(d.nodes) {
		return node{}, false
	}
	return d.nodes[id], true
}

// Root returns the document root
func (d *Document) Root() NodeID { return d.root }

// KindOf returns the kind of a node, or KindNull for invalid ids
func (d *Document) KindOf(id NodeID) Kind {
	n, ok := d.at(id)
	if !ok {
		return KindNull
	}
	return n.kind
}

// String returns a string node's value
func (d *Document) String(id NodeID) (string, bool) {
	n, ok := d.at(id)
	if !ok || n.kind != KindString {
		return "", false
	}
	return n.str, true
}

// Number returns a number node's value
func (d *Document) Number(id NodeID) (float64, bool) {
	n, ok := d.at(id)
	if !ok || n.kind != KindNumber {
		return 0, false
	}
	return n.num, true
}

// Bool returns a bool node's value
func (d *Document) Bool(id NodeID) (bool, bool) {
	n, ok := d.at(id)
	if !ok || n.kind != KindBool {
		return false, false
	}
	return n.boolean, true
}

// Len returns the element count of an array or object node
func (d *Document) Len(id NodeID) int {
	n, ok := d.at(id)
	if !ok {
		return 0
	}
	return len(n.children)
}

// Field looks up an object field by key
func (d *Document) Field(id NodeID, key string) (NodeID, bool) {
	n, ok := d.at(id)
	if !ok || n.kind != KindObject {
		return InvalidNode, false
	}
	for i, k := range n.keys {
		if k == key {
			return n.children[i], true
		}
	}
	return InvalidNode, false
}

// Keys returns an object's keys in declaration order
func (d *Document) Keys(id NodeID) []string {
	n, ok := d.at(id)
	if !ok || n.kind != KindObject {
		return nil
	}
	return n.keys
}

// Index returns the i-th element of an array or object node
func (d *Document) Index(id NodeID, i int) (NodeID, bool) {
	n, ok := d.at(id)
	if !ok || i < 0 || i >= len(n.children) {
		return InvalidNode, false
	}
	return n.children[i], true
}

// Path walks a dotted attribute path from a node; numeric segments index
// into arrays.
func (d *Document) Path(id NodeID, segments ...string) (NodeID, bool) {
	cur := id
	for _, seg := range segments {
		if idx, err := strconv.Atoi(seg); err == nil && d.KindOf(cur) == KindArray {
			next, ok := d.Index(cur, idx)
			if !ok {
				return InvalidNode, false
			}
			cur = next
			continue
		}
		next, ok := d.Field(cur, seg)
		if !ok {
			return InvalidNode, false
		}
		cur = next
	}
	return cur, true
}

// Literal renders a scalar node back to its JSON literal text, used in
// expected-vs-observed detail messages. Composite nodes render as their kind.
func (d *Document) Literal(id NodeID) string {
	n, ok := d.at(id)
	if !ok {
		return "<missing>"
	}
	switch n.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(n.boolean)
	case KindNumber:
		return n.str
	case KindString:
		return n.str
	}
	return "<" + n.kind.String() + ">"
}
