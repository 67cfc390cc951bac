// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/dreamsxin/manifold/types"
)

const (
	nodeLeaf   byte = 1
	nodeBranch byte = 2

	// MaxKeyLen bounds keys so a branch node can always hold at least two
	// separators.
	MaxKeyLen = 1024

	// maxInlineValue is the largest value stored inside a leaf entry.
	// Larger values spill into an overflow page chain.
	maxInlineValue = 1024

	// overflow page layout: next(8) dataLen(4) data.
	overflowHeaderLen  = 12
	overflowCapacity   = PageSize - overflowHeaderLen
	valueKindInline    = 0
	valueKindOverflow  = 1
	nodeHeaderLen      = 3 // type(1) count(2)
	leafEntryFixedLen  = 2 + 1
	branchEntryOverhead = 2 + 8
)

// leafValue is a leaf entry's value: either inline bytes or a reference to an
// overflow page chain.
type leafValue struct {
	inline []byte
	ovfHead uint64
	ovfLen  uint64
}

func (v leafValue) isOverflow() bool { return v.ovfHead != 0 }

// node is the decoded form of a B-tree page. Leaves carry keys and values;
// branches carry separator keys and child page ids (len(children) ==
// len(keys)+1).
type node struct {
	leaf     bool
	keys     [][]byte
	vals     []leafValue // leaves only
	children []uint64    // branches only
}

func (n *node) encodedLen() int {
	size := nodeHeaderLen
	if n.leaf {
		for i, k := range n.keys {
			size += leafEntryFixedLen + len(k)
			if n.vals[i].isOverflow() {
				size += 16
			} else {
				size += 4 + len(n.vals[i].inline)
			}
		}
		return size
	}
	size += 8 // leading child
	for _, k := range n.keys {
		size += branchEntryOverhead + len(k)
	}
	return size
}

// encode serializes n into a full page buffer.
func (n *node) encode() []byte {
	buf := make([]byte, 0, PageSize)
	if n.leaf {
		buf = append(buf, nodeLeaf)
	} else {
		buf = append(buf, nodeBranch)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(n.keys)))
	if n.leaf {
		for i, k := range n.keys {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			v := n.vals[i]
			if v.isOverflow() {
				buf = append(buf, valueKindOverflow)
				buf = binary.LittleEndian.AppendUint64(buf, v.ovfHead)
				buf = binary.LittleEndian.AppendUint64(buf, v.ovfLen)
			} else {
				buf = append(buf, valueKindInline)
				buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.inline)))
				buf = append(buf, v.inline...)
			}
		}
	} else {
		buf = binary.LittleEndian.AppendUint64(buf, n.children[0])
		for i, k := range n.keys {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			buf = binary.LittleEndian.AppendUint64(buf, n.children[i+1])
		}
	}
	page := make([]byte, PageSize)
	copy(page, buf)
	return page
}

func decodeNode(buf []byte) (*node, error) {
	if len(buf) < nodeHeaderLen {
		return nil, fmt.Errorf("%w: short node page", types.ErrCorrupt)
	}
	n := &node{}
	switch buf[0] {
	case nodeLeaf:
		n.leaf = true
	case nodeBranch:
	default:
		return nil, fmt.Errorf("%w: unknown node type %d", types.ErrCorrupt, buf[0])
	}
	count := int(binary.LittleEndian.Uint16(buf[1:3]))
	r := buf[nodeHeaderLen:]
	take := func(want int) ([]byte, error) {
		if len(r) < want {
			return nil, fmt.Errorf("%w: node page truncated", types.ErrCorrupt)
		}
		b := r[:want]
		r = r[want:]
		return b, nil
	}
	if n.leaf {
		for i := 0; i < count; i++ {
			b, err := take(2)
			if err != nil {
				return nil, err
			}
			klen := int(binary.LittleEndian.Uint16(b))
			key, err := take(klen)
			if err != nil {
				return nil, err
			}
			kind, err := take(1)
			if err != nil {
				return nil, err
			}
			var v leafValue
			switch kind[0] {
			case valueKindInline:
				b, err := take(4)
				if err != nil {
					return nil, err
				}
				vlen := int(binary.LittleEndian.Uint32(b))
				val, err := take(vlen)
				if err != nil {
					return nil, err
				}
				v.inline = append([]byte(nil), val...)
			case valueKindOverflow:
				b, err := take(16)
				if err != nil {
					return nil, err
				}
				v.ovfHead = binary.LittleEndian.Uint64(b[0:8])
				v.ovfLen = binary.LittleEndian.Uint64(b[8:16])
			default:
				return nil, fmt.Errorf("%w: unknown value kind %d", types.ErrCorrupt, kind[0])
			}
			n.keys = append(n.keys, append([]byte(nil), key...))
			n.vals = append(n.vals, v)
		}
		return n, nil
	}
	b, err := take(8)
	if err != nil {
		return nil, err
	}
	n.children = append(n.children, binary.LittleEndian.Uint64(b))
	for i := 0; i < count; i++ {
		b, err := take(2)
		if err != nil {
			return nil, err
		}
		klen := int(binary.LittleEndian.Uint16(b))
		key, err := take(klen)
		if err != nil {
			return nil, err
		}
		b, err = take(8)
		if err != nil {
			return nil, err
		}
		n.keys = append(n.keys, append([]byte(nil), key...))
		n.children = append(n.children, binary.LittleEndian.Uint64(b))
	}
	return n, nil
}

func (n *node) clone() *node {
	c := &node{leaf: n.leaf}
	c.keys = make([][]byte, len(n.keys))
	copy(c.keys, n.keys)
	if n.leaf {
		c.vals = make([]leafValue, len(n.vals))
		copy(c.vals, n.vals)
	} else {
		c.children = make([]uint64, len(n.children))
		copy(c.children, n.children)
	}
	return c
}
