package doudian

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// NodeKind tags a canonical tree node.
type NodeKind int

// Node kinds.
const (
	KindScalar NodeKind = iota
	KindMap
	KindSeq
)

// Node is one level of a request parameter tree. Maps carry string keys,
// sequences carry ordered items, scalars carry a JSON literal value.
type Node struct {
	kind   NodeKind
	scalar any
	fields map[string]*Node
	// set when every map key is a non-negative integer but the keys
	// are not a dense 0..n-1 range
	numericKeys bool
	items       []*Node
}

// ScalarNode wraps a string, bool, nil or json.Number.
func ScalarNode(v any) *Node {
	return &Node{kind: KindScalar, scalar: v}
}

// MapNode builds a string-keyed level.
func MapNode(fields map[string]*Node) *Node {
	if fields == nil {
		fields = map[string]*Node{}
	}
	return &Node{kind: KindMap, fields: fields}
}

// SeqNode builds an ordered level.
func SeqNode(items ...*Node) *Node {
	if items == nil {
		items = []*Node{}
	}
	return &Node{kind: KindSeq, items: items}
}

// Kind returns the node tag.
func (n *Node) Kind() NodeKind {
	return n.kind
}

// BuildTree converts an arbitrary parameter value into a tagged tree.
// Values go through encoding/json first, so struct tags decide field names
// and numbers keep their literal text.
func BuildTree(param any) (*Node, error) {
	if param == nil {
		return MapNode(nil), nil
	}
	if n, ok := param.(*Node); ok {
		return n, nil
	}

	raw, err := json.Marshal(param)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	// a typed nil pointer marshals to null
	if decoded == nil {
		return MapNode(nil), nil
	}
	return fromDecoded(decoded), nil
}

func fromDecoded(v any) *Node {
	switch t := v.(type) {
	case map[string]any:
		return fromObject(t)
	case []any:
		items := make([]*Node, len(t))
		for i, item := range t {
			items[i] = fromDecoded(item)
		}
		return SeqNode(items...)
	default:
		return ScalarNode(t)
	}
}

// fromObject turns a decoded JSON object into a map node, or into a
// sequence when its keys are exactly the indexes 0..n-1.
func fromObject(obj map[string]any) *Node {
	fields := make(map[string]*Node, len(obj))
	for k, v := range obj {
		fields[k] = fromDecoded(v)
	}
	if len(obj) == 0 {
		return MapNode(fields)
	}

	// a level mixing integer and string keys is a plain map and sorts
	// its keys as strings
	indexes, ok := integerKeys(obj)
	if !ok {
		return MapNode(fields)
	}
	dense := true
	for i, idx := range indexes {
		if idx != i {
			dense = false
			break
		}
	}
	if !dense {
		return &Node{kind: KindMap, fields: fields, numericKeys: true}
	}

	items := make([]*Node, len(indexes))
	for i := range indexes {
		items[i] = fields[strconv.Itoa(i)]
	}
	return SeqNode(items...)
}

// integerKeys reports whether every key is a canonical non-negative integer
// and returns the indexes in ascending order.
func integerKeys(obj map[string]any) ([]int, bool) {
	indexes := make([]int, 0, len(obj))
	for k := range obj {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 || strconv.Itoa(idx) != k {
			return nil, false
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes, true
}

// Canonicalize serializes a request parameter into the exact JSON string
// that is signed and sent as the request body. A nil param yields "{}".
func Canonicalize(param any) (string, error) {
	tree, err := BuildTree(param)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tree.writeTo(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (n *Node) writeTo(buf *bytes.Buffer) error {
	switch n.kind {
	case KindMap:
		keys := make([]string, 0, len(n.fields))
		for k := range n.fields {
			keys = append(keys, k)
		}
		if n.numericKeys {
			sort.Slice(keys, func(i, j int) bool {
				a, _ := strconv.Atoi(keys[i])
				b, _ := strconv.Atoi(keys[j])
				return a < b
			})
		} else {
			sort.Strings(keys)
		}

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			child := n.fields[k]
			if child == nil {
				buf.WriteString("null")
				continue
			}
			if err := child.writeTo(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindSeq:
		buf.WriteByte('[')
		for i, item := range n.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if item == nil {
				buf.WriteString("null")
				continue
			}
			if err := item.writeTo(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeScalar(buf, n.scalar)
	}
	return nil
}

// writeScalar encodes a leaf with HTML escaping off so "/", "<", ">" and
// "&" stay literal, matching the bytes the platform signs.
func writeScalar(buf *bytes.Buffer, v any) error {
	if num, ok := v.(json.Number); ok {
		if _, err := num.Float64(); err != nil {
			return fmt.Errorf("%w: invalid number %q", ErrSerialization, num)
		}
		buf.WriteString(num.String())
		return nil
	}

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
