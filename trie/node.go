package trie

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"cradix/mempool"
	"cradix/utils"
)

// 节点形态。发布后meta和边字节不再改写，唯一可变单元是4字节子槽
const (
	tagLeaf   = 0 // 无子节点，必为终止
	tagLinear = 1 // 单子节点
	tagSmall  = 2 // 2..8个子节点，标签升序
	tagBitmap = 3 // 位图+按rank排布的子槽
)

const (
	smallFanMax = 8
	maxEdgeLen  = 255

	metaTerminal = uint64(1) << 2
)

// meta字组成：tag(2) | terminal(bit2) | edgeLen(8-15) | fanout(16-24) | valOff(32-63)
func packMeta(tag int, terminal bool, edgeLen, fanout int, valOff uint32) uint64 {
	m := uint64(tag) | uint64(edgeLen)<<8 | uint64(fanout)<<16 | uint64(valOff)<<32
	if terminal {
		m |= metaTerminal
	}
	return m
}

func metaTag(m uint64) int       { return int(m & 3) }
func metaIsFinal(m uint64) bool  { return m&metaTerminal != 0 }
func metaEdgeLen(m uint64) int   { return int(m >> 8 & 0xFF) }
func metaFanout(m uint64) int    { return int(m >> 16 & 0x1FF) }
func metaValOff(m uint64) uint32 { return uint32(m >> 32) }

// 节点占用的字节数。edge补齐到8字节使子槽保持4字节对齐
func nodeSize(tag, edgeLen, fanout int) uint64 {
	sz := 8 + utils.Pow2AlignUp(uint64(edgeLen), 8)
	switch tag {
	case tagLinear:
		sz += 8
	case tagSmall:
		sz += 8 + utils.Pow2AlignUp(uint64(fanout)*4, 8)
	case tagBitmap:
		sz += 32 + utils.Pow2AlignUp(uint64(fanout)*4, 8)
	}
	return sz
}

func fanoutTag(fanout int) int {
	switch {
	case fanout == 0:
		return tagLeaf
	case fanout == 1:
		return tagLinear
	case fanout <= smallFanMax:
		return tagSmall
	}
	return tagBitmap
}

func scaled(pos uint64) uint32 { return uint32(pos >> mempool.OffsetShift) }
func unscaled(s uint32) uint64 { return uint64(s) << mempool.OffsetShift }

// nref按字节偏移引用一个已发布（或构造中）的节点
type nref struct {
	b   []byte
	pos uint64
}

func (n nref) meta() uint64 {
	return *(*uint64)(unsafe.Pointer(&n.b[n.pos]))
}

func (n nref) setMeta(m uint64) {
	*(*uint64)(unsafe.Pointer(&n.b[n.pos])) = m
}

func (n nref) edge() []byte {
	el := uint64(metaEdgeLen(n.meta()))
	return n.b[n.pos+8 : n.pos+8+el : n.pos+8+el]
}

// 分支块起点，edge之后
func (n nref) branchPos() uint64 {
	return n.pos + 8 + utils.Pow2AlignUp(uint64(metaEdgeLen(n.meta())), 8)
}

func (n nref) slotsPos() uint64 {
	bp := n.branchPos()
	switch metaTag(n.meta()) {
	case tagLinear:
		return bp + 4
	case tagSmall:
		return bp + 8
	case tagBitmap:
		return bp + 32
	}
	return bp
}

func (n nref) slotPtr(k int) *uint32 {
	p := n.slotsPos() + uint64(k)*4
	return (*uint32)(unsafe.Pointer(&n.b[p]))
}

func (n nref) child(k int) uint32 {
	return atomic.LoadUint32(n.slotPtr(k))
}

func (n nref) bitmap() []byte {
	bp := n.branchPos()
	return n.b[bp : bp+32]
}

func (n nref) bitmapWord(w int) uint64 {
	bp := n.branchPos()
	return *(*uint64)(unsafe.Pointer(&n.b[bp+uint64(w)*8]))
}

// 第k个子转移的标签字节
func (n nref) label(k int) byte {
	bp := n.branchPos()
	switch metaTag(n.meta()) {
	case tagLinear:
		return n.b[bp]
	case tagSmall:
		return n.b[bp+uint64(k)]
	}
	// 位图形态：找第k个置位
	rest := k
	for w := 0; w < 4; w++ {
		word := n.bitmapWord(w)
		cnt := bits.OnesCount64(word)
		if rest < cnt {
			for word != 0 {
				bit := bits.TrailingZeros64(word)
				if rest == 0 {
					return byte(w*64 + bit)
				}
				rest--
				word &= word - 1
			}
		}
		rest -= cnt
	}
	utils.AssertTrue(false)
	return 0
}

// 返回标签c对应的子下标
func (n nref) findChild(c byte) (int, bool) {
	m := n.meta()
	bp := n.branchPos()
	switch metaTag(m) {
	case tagLeaf:
		return 0, false
	case tagLinear:
		if n.b[bp] == c {
			return 0, true
		}
		return 0, false
	case tagSmall:
		fan := metaFanout(m)
		for k := 0; k < fan; k++ {
			if lb := n.b[bp+uint64(k)]; lb == c {
				return k, true
			} else if lb > c {
				return 0, false
			}
		}
		return 0, false
	}
	w, bit := int(c>>6), uint(c&63)
	word := n.bitmapWord(w)
	if word&(1<<bit) == 0 {
		return 0, false
	}
	k := bits.OnesCount64(word & (1<<bit - 1))
	for i := 0; i < w; i++ {
		k += bits.OnesCount64(n.bitmapWord(i))
	}
	return k, true
}

// 第一个标签>=c的子下标，没有时返回fanout
func (n nref) lowerChild(c byte) int {
	m := n.meta()
	fan := metaFanout(m)
	bp := n.branchPos()
	switch metaTag(m) {
	case tagLeaf:
		return 0
	case tagLinear:
		if n.b[bp] >= c {
			return 0
		}
		return 1
	case tagSmall:
		for k := 0; k < fan; k++ {
			if n.b[bp+uint64(k)] >= c {
				return k
			}
		}
		return fan
	}
	w, bit := int(c>>6), uint(c&63)
	k := 0
	for i := 0; i < w; i++ {
		k += bits.OnesCount64(n.bitmapWord(i))
	}
	k += bits.OnesCount64(n.bitmapWord(w) & (1<<bit - 1))
	return k
}

func (n nref) size() uint64 {
	m := n.meta()
	return nodeSize(metaTag(m), metaEdgeLen(m), metaFanout(m))
}

// 取出全部标签和子槽的快照，COW复制时用
func (n nref) collect() ([]byte, []uint32) {
	fan := metaFanout(n.meta())
	if fan == 0 {
		return nil, nil
	}
	labels := make([]byte, fan)
	children := make([]uint32, fan)
	for k := 0; k < fan; k++ {
		labels[k] = n.label(k)
		children[k] = n.child(k)
	}
	return labels, children
}

// span记录一次insert内的单笔分配，OOM时按逆序回滚
type span struct {
	pos    uint64
	length uint64
}

func (t *Patricia) node(s uint32) nref {
	return nref{b: t.arena.Base(), pos: unscaled(s)}
}

// 分配并完整初始化一个节点，发布前对外不可见。labels必须升序
func (t *Patricia) newNode(tc *mempool.TCSlab, edge []byte, terminal bool, valOff uint32,
	labels []byte, children []uint32, allocs *[]span) (uint32, bool) {
	fan := len(labels)
	tag := fanoutTag(fan)
	sz := nodeSize(tag, len(edge), fan)
	pos := t.arena.Alloc(sz, tc)
	if pos == mempool.Fail {
		return 0, false
	}
	*allocs = append(*allocs, span{pos, sz})

	n := nref{b: t.arena.Base(), pos: pos}
	n.setMeta(packMeta(tag, terminal, len(edge), fan, valOff))
	copy(n.b[pos+8:], edge)
	bp := n.branchPos()
	switch tag {
	case tagLinear:
		n.b[bp] = labels[0]
	case tagSmall:
		copy(n.b[bp:bp+uint64(fan)], labels)
	case tagBitmap:
		bm := n.bitmap()
		for i := range bm {
			bm[i] = 0
		}
		for _, c := range labels {
			bm[c>>3] |= 1 << (c & 7)
		}
	}
	sp := n.slotsPos()
	for k, ch := range children {
		*(*uint32)(unsafe.Pointer(&n.b[sp+uint64(k)*4])) = ch
	}
	return scaled(pos), true
}

// 分配值槽并写入内容。token上注册的初始化回调在这里执行，
// 槽此时尚未发布，这是唯一允许就地写值的窗口。valsize为0时
// 不占空间，返回0偏移
func (t *Patricia) newValue(tok *WriterToken, val []byte, allocs *[]span) (uint32, bool) {
	if t.valsize == 0 {
		return 0, true
	}
	pos := t.arena.Alloc(uint64(t.valsize), tok.tc)
	if pos == mempool.Fail {
		return 0, false
	}
	*allocs = append(*allocs, span{pos, t.valSlotSize()})
	slot := t.arena.Base()[pos : pos+uint64(t.valsize)]
	copy(slot, val)
	if tok.initValue != nil {
		tok.initValue(slot)
	}
	return scaled(pos), true
}

func (t *Patricia) valSlotSize() uint64 {
	return utils.Pow2AlignUp(uint64(t.valsize), mempool.AlignSize)
}

// 为suffix构造一条终止链。超过单节点边长上限的后缀拆成线性节点串，
// 每级消耗一个标签字节
func (t *Patricia) buildChain(tc *mempool.TCSlab, suffix []byte, valOff uint32, allocs *[]span) (uint32, bool) {
	type seg struct {
		edge  []byte
		label byte
	}
	var segs []seg
	for len(suffix) > maxEdgeLen {
		segs = append(segs, seg{suffix[:maxEdgeLen], suffix[maxEdgeLen]})
		suffix = suffix[maxEdgeLen+1:]
	}
	child, ok := t.newNode(tc, suffix, true, valOff, nil, nil, allocs)
	if !ok {
		return 0, false
	}
	for k := len(segs) - 1; k >= 0; k-- {
		child, ok = t.newNode(tc, segs[k].edge, false, 0, []byte{segs[k].label}, []uint32{child}, allocs)
		if !ok {
			return 0, false
		}
	}
	return child, true
}

func matchLen(edge, key []byte) int {
	n := len(edge)
	if len(key) < n {
		n = len(key)
	}
	for i := 0; i < n; i++ {
		if edge[i] != key[i] {
			return i
		}
	}
	return n
}
