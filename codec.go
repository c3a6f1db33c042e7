package mast

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/jrhy/atmast/codec"
)

// nodeData is the wire form of a node: entries plus the subtree left of
// the first entry.
type nodeData struct {
	Entries []treeEntry // "e"
	Left    *cid.Cid    // "l"
}

// treeEntry is one key of a node. Keys are prefix-compressed against
// the previous key in the same node.
type treeEntry struct {
	KeySuffix []byte   // "k"
	PrefixLen uint64   // "p"
	Tree      *cid.Cid // "t", subtree right of this entry
	Value     cid.Cid  // "v"
}

func (n *nodeData) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 2); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "e"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(n.Entries))); err != nil {
		return err
	}
	for i := range n.Entries {
		if err := n.Entries[i].marshal(cw); err != nil {
			return err
		}
	}
	if err := codec.WriteText(cw, "l"); err != nil {
		return err
	}
	return codec.WriteNullableCid(cw, n.Left)
}

func (e *treeEntry) marshal(cw *cbg.CborWriter) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 4); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "k"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(e.KeySuffix))); err != nil {
		return err
	}
	if _, err := cw.Write(e.KeySuffix); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "p"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, e.PrefixLen); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "t"); err != nil {
		return err
	}
	if err := codec.WriteNullableCid(cw, e.Tree); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "v"); err != nil {
		return err
	}
	return cbg.WriteCid(cw, e.Value)
}

func expectField(cr *cbg.CborReader, name string) error {
	got, err := codec.ReadText(cr)
	if err != nil {
		return err
	}
	if got != name {
		return fmt.Errorf("expected field %q, got %q", name, got)
	}
	return nil
}

func (n *nodeData) UnmarshalCBOR(r io.Reader) error {
	cr := cbg.NewCborReader(r)
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap || extra != 2 {
		return fmt.Errorf("node must be a map of 2 fields")
	}
	if err := expectField(cr, "e"); err != nil {
		return err
	}
	maj, extra, err = cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("node entries must be a list")
	}
	if extra > cbg.MaxLength {
		return fmt.Errorf("node has too many entries: %d", extra)
	}
	n.Entries = make([]treeEntry, extra)
	for i := range n.Entries {
		if err := n.Entries[i].unmarshal(cr); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if err := expectField(cr, "l"); err != nil {
		return err
	}
	n.Left, err = codec.ReadNullableCid(cr)
	return err
}

func (e *treeEntry) unmarshal(cr *cbg.CborReader) error {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap || extra != 4 {
		return fmt.Errorf("entry must be a map of 4 fields")
	}
	if err := expectField(cr, "k"); err != nil {
		return err
	}
	if e.KeySuffix, err = codec.ReadBytes(cr); err != nil {
		return err
	}
	if err := expectField(cr, "p"); err != nil {
		return err
	}
	if e.PrefixLen, err = codec.ReadUint(cr); err != nil {
		return err
	}
	if err := expectField(cr, "t"); err != nil {
		return err
	}
	if e.Tree, err = codec.ReadNullableCid(cr); err != nil {
		return err
	}
	if err := expectField(cr, "v"); err != nil {
		return err
	}
	e.Value, err = codec.ReadCid(cr)
	return err
}

// encodeNode serializes a node whose links have all been flushed to
// identifiers.
func encodeNode(node *mastNode) ([]byte, error) {
	data := nodeData{Entries: make([]treeEntry, len(node.Key))}
	left, err := linkCid(node.Link[0])
	if err != nil {
		return nil, err
	}
	data.Left = left
	prev := ""
	for i, key := range node.Key {
		p := sharedPrefixLen(prev, key)
		tree, err := linkCid(node.Link[i+1])
		if err != nil {
			return nil, err
		}
		data.Entries[i] = treeEntry{
			KeySuffix: []byte(key[p:]),
			PrefixLen: uint64(p),
			Tree:      tree,
			Value:     node.Value[i],
		}
		prev = key
	}
	var buf bytes.Buffer
	if err := data.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func linkCid(link interface{}) (*cid.Cid, error) {
	switch l := link.(type) {
	case nil:
		return nil, nil
	case cid.Cid:
		return &l, nil
	default:
		return nil, fmt.Errorf("cannot encode unflushed link of type %T", link)
	}
}

// decodeNode parses a node block and expands its prefix-compressed
// keys. Shape violations are reported as ErrStructure; bytes that are
// not a node at all as codec.ErrDecode.
func decodeNode(data []byte) (*mastNode, error) {
	var nd nodeData
	r := bytes.NewReader(data)
	if err := nd.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("%w: node: %v", codec.ErrDecode, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: node has %d trailing bytes", codec.ErrDecode, r.Len())
	}
	node := &mastNode{
		Key:   make([]string, len(nd.Entries)),
		Value: make([]cid.Cid, len(nd.Entries)),
		Link:  make([]interface{}, len(nd.Entries)+1),
	}
	if nd.Left != nil {
		node.Link[0] = *nd.Left
	}
	prev := ""
	for i, e := range nd.Entries {
		if i == 0 && e.PrefixLen != 0 {
			return nil, fmt.Errorf("%w: first entry has prefix length %d", ErrStructure, e.PrefixLen)
		}
		if e.PrefixLen > uint64(len(prev)) {
			return nil, fmt.Errorf("%w: prefix length %d exceeds previous key", ErrStructure, e.PrefixLen)
		}
		key := prev[:e.PrefixLen] + string(e.KeySuffix)
		if err := ValidateKey(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStructure, err)
		}
		if i > 0 && key <= prev {
			return nil, fmt.Errorf("%w: key %q not after %q", ErrStructure, key, prev)
		}
		if i > 0 && int(e.PrefixLen) != sharedPrefixLen(prev, key) {
			return nil, fmt.Errorf("%w: key %q is not maximally prefix-compressed", ErrStructure, key)
		}
		node.Key[i] = key
		node.Value[i] = e.Value
		if e.Tree != nil {
			node.Link[i+1] = *e.Tree
		}
		prev = key
	}
	return node, nil
}
