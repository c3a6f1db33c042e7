package mast

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
)

// NodeCache keeps decoded, validated nodes by identifier. Nodes never
// change once flushed, so one cache can be shared by any number of
// trees over the same content. A nil *NodeCache caches nothing.
type NodeCache struct {
	arc *lru.ARCCache
}

// NewNodeCache returns a cache holding up to size nodes, evicting by
// ARC.
func NewNodeCache(size int) *NodeCache {
	arc, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return &NodeCache{arc: arc}
}

// Len returns the number of cached nodes.
func (nc *NodeCache) Len() int {
	if nc == nil {
		return 0
	}
	return nc.arc.Len()
}

func (nc *NodeCache) get(c cid.Cid) (*mastNode, bool) {
	if nc == nil {
		return nil, false
	}
	v, ok := nc.arc.Get(c)
	if !ok {
		return nil, false
	}
	return v.(*mastNode), true
}

func (nc *NodeCache) add(c cid.Cid, node *mastNode) {
	if nc != nil {
		nc.arc.Add(c, node)
	}
}
