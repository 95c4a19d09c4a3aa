package mempool

import (
	"sync/atomic"
	"unsafe"

	"cradix/utils"
)

// huge链表节点直接躺在空闲块里：size + next[8]
const hugeLinkSize = 4 + 4*skipListLevelMax

type fastbinHead struct {
	head uint32
	cnt  uint32
}

type hugeHead struct {
	size uint32 // 当前skiplist的最高层
	next [skipListLevelMax]uint32
}

// TCSlab是单线程持有的分配缓存：精确尺寸的fastbin、按块大小排序的
// huge skiplist、一段线性热区。除统计扫描外只有属主线程访问
type TCSlab struct {
	fragmentSize uint64
	fragInc      int64
	hugeList     hugeHead
	freelist     []fastbinHead
	hugeSizeSum  uint64
	hugeNodeCnt  uint64
	pool         *Arena
	nextFree     *TCSlab

	// 热区游标，统计线程会并发读
	hotPos atomic.Uint64
	hotEnd atomic.Uint64

	rng uint64
}

func newTCSlab(pool *Arena, id uint64) *TCSlab {
	tc := &TCSlab{
		pool:     pool,
		freelist: make([]fastbinHead, pool.fastbinMax/AlignSize),
		rng:      utils.MixSeed(id),
	}
	for i := range tc.freelist {
		tc.freelist[i].head = ListTail
	}
	for i := range tc.hugeList.next {
		tc.hugeList.next[i] = ListTail
	}
	return tc
}

// 线程退出时调用
func (tc *TCSlab) cleanForReuse() {}

// 被后续线程复用前调用
func (tc *TCSlab) initForReuse() {}

func (tc *TCSlab) rand() uint64 {
	x := tc.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	tc.rng = x
	return x
}

// 几何分布取层，p=1/4，返回0起的层号
func (tc *TCSlab) randomLevel() int {
	level := 1
	for tc.rand()%4 == 0 && level < skipListLevelMax {
		level++
	}
	return level - 1
}

func (tc *TCSlab) fragSub(n uint64) {
	tc.fragmentSize -= n
	tc.fragInc -= int64(n)
	if tc.fragInc < -fragFlushLimit {
		tc.pool.fragmentSize.Add(tc.fragInc)
		tc.fragInc = 0
	}
}

func (tc *TCSlab) fragAdd(n uint64) {
	tc.fragmentSize += n
	tc.fragInc += int64(n)
	if tc.fragInc > fragFlushLimit {
		tc.pool.fragmentSize.Add(tc.fragInc)
		tc.fragInc = 0
	}
}

func linkAt(base []byte, pos uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&base[pos]))
}

// skiplist节点引用，pos==Fail代表表头（表头活在TCSlab里而不是arena里）
type hugeRef struct {
	tc  *TCSlab
	pos uint64
}

func (tc *TCSlab) headRef() hugeRef { return hugeRef{tc: tc, pos: Fail} }

func (tc *TCSlab) ref(pos uint64) hugeRef { return hugeRef{tc: tc, pos: pos} }

func (r hugeRef) isHead() bool { return r.pos == Fail }

func (r hugeRef) size(base []byte) uint32 {
	return *(*uint32)(unsafe.Pointer(&base[r.pos]))
}

func (r hugeRef) setSize(base []byte, v uint32) {
	*(*uint32)(unsafe.Pointer(&base[r.pos])) = v
}

func (r hugeRef) next(base []byte, k int) uint32 {
	if r.pos == Fail {
		return r.tc.hugeList.next[k]
	}
	return *(*uint32)(unsafe.Pointer(&base[r.pos+4+uint64(k)*4]))
}

func (r hugeRef) setNext(base []byte, k int, v uint32) {
	if r.pos == Fail {
		r.tc.hugeList.next[k] = v
		return
	}
	*(*uint32)(unsafe.Pointer(&base[r.pos+4+uint64(k)*4])) = v
}

// request已对齐。依次尝试：fastbin精确命中、2倍bin劈半、热区顺推、
// skiplist（小请求取最大块换热区，大请求best-fit）。失败返回Fail，
// 由arena的chunkAlloc兜底
func (tc *TCSlab) alloc(base []byte, request uint64) uint64 {
	if request <= uint64(len(tc.freelist))*AlignSize {
		idx := request/AlignSize - 1
		list := &tc.freelist[idx]
		if list.head != ListTail {
			pos := uint64(list.head) << OffsetShift
			tc.fragSub(request)
			list.cnt--
			list.head = *linkAt(base, pos)
			debugFillAlloc(base[pos : pos+request])
			return pos
		}
		// 2倍bin里劈一半出来
		idx2 := idx*2 + 1
		if idx2 < uint64(len(tc.freelist)) {
			list2 := &tc.freelist[idx2]
			if list2.head != ListTail {
				pos := uint64(list2.head) << OffsetShift
				tc.fragSub(request)
				list2.cnt--
				list2.head = *linkAt(base, pos)
				// 后一半挂回request尺寸的bin，此时该bin必为空
				*linkAt(base, pos+request) = list.head
				list.cnt++
				list.head = uint32((pos + request) >> OffsetShift)
				debugFillAlloc(base[pos : pos+request])
				return pos
			}
		}
		{
			pos := tc.hotPos.Load()
			end := pos + request
			if end <= tc.hotEnd.Load() {
				tc.hotPos.Store(end)
				debugFillAlloc(base[pos : pos+request])
				return pos
			}
		}
		// 把skiplist里最大的空闲块换成新的热区
		if tc.hugeList.size > 0 {
			var update [skipListLevelMax]hugeRef
			n1 := tc.headRef()
			n2 := tc.headRef()
			for k := int(tc.hugeList.size) - 1; ; k-- {
				for n2.next(base, k) != ListTail {
					n1 = n2
					n2 = tc.ref(uint64(n2.next(base, k)) << OffsetShift)
				}
				update[k] = n1
				if k == 0 {
					break
				}
				n2 = n1
			}
			if !n2.isHead() && uint64(n2.size(base)) >= request {
				rlen := uint64(n2.size(base))
				res := n2.pos
				tc.hugeUnlink(base, update[:], n2)
				hotPos, hotEnd := tc.hotPos.Load(), tc.hotEnd.Load()
				if hotPos < hotEnd {
					tc.sfree(base, hotPos, hotEnd-hotPos)
				}
				tc.hotPos.Store(res + request)
				tc.hotEnd.Store(res + rlen)
				tc.hugeSizeSum -= rlen
				tc.hugeNodeCnt--
				tc.fragSub(rlen)
				debugFillAlloc(base[res : res+request])
				return res
			}
		}
	} else {
		{
			pos := tc.hotPos.Load()
			end := pos + request
			if end <= tc.hotEnd.Load() {
				tc.hotPos.Store(end)
				debugFillAlloc(base[pos : pos+request])
				return pos
			}
		}
		// 热区放不下时大请求走best-fit下降
		if tc.hugeList.size > 0 {
			var update [skipListLevelMax]hugeRef
			n1 := tc.headRef()
			var n2 hugeRef
			found := false
			for k := int(tc.hugeList.size) - 1; k >= 0; k-- {
				for {
					nx := n1.next(base, k)
					if nx == ListTail {
						break
					}
					n2 = tc.ref(uint64(nx) << OffsetShift)
					found = true
					if uint64(n2.size(base)) >= request {
						break
					}
					n1 = n2
				}
				update[k] = n1
			}
			if found && uint64(n2.size(base)) >= request {
				rlen := uint64(n2.size(base))
				res := n2.pos
				tc.hugeUnlink(base, update[:], n2)
				tc.hugeSizeSum -= rlen
				tc.hugeNodeCnt--
				tc.fragSub(rlen)
				if remain := rlen - request; remain > 0 {
					tc.sfree(base, res+request, remain)
				}
				debugFillAlloc(base[res : res+request])
				return res
			}
		}
	}
	return Fail
}

func (tc *TCSlab) hugeUnlink(base []byte, update []hugeRef, n2 hugeRef) {
	resShift := uint32(n2.pos >> OffsetShift)
	for k := 0; k < int(tc.hugeList.size); k++ {
		if update[k].next(base, k) == resShift {
			update[k].setNext(base, k, n2.next(base, k))
		}
	}
	for tc.hugeList.size > 0 && tc.hugeList.next[tc.hugeList.size-1] == ListTail {
		tc.hugeList.size--
	}
}

// 原地realloc。紧贴热区的块直接挪游标，收缩把尾巴还回freelist，
// 扩张退化为alloc+copy+sfree
func (tc *TCSlab) alloc3(base []byte, oldpos, oldlen, newlen uint64) uint64 {
	if oldpos+oldlen == tc.hotPos.Load() {
		newend := oldpos + newlen
		if newend <= tc.hotEnd.Load() {
			tc.hotPos.Store(newend)
			return oldpos
		}
	}
	if newlen < oldlen {
		tc.sfree(base, oldpos+newlen, oldlen-newlen)
		return oldpos
	} else if newlen == oldlen {
		return oldpos
	}
	newpos := tc.alloc(base, newlen)
	if newpos != Fail {
		copy(base[newpos:newpos+oldlen], base[oldpos:oldpos+oldlen])
		tc.sfree(base, oldpos, oldlen)
	}
	return newpos
}

func (tc *TCSlab) sfree(base []byte, pos, length uint64) {
	// 紧贴热区的释放直接回卷游标，不产生碎片
	if pos+length == tc.hotPos.Load() {
		tc.hotPos.Store(pos)
		return
	}
	if length <= uint64(len(tc.freelist))*AlignSize {
		idx := length/AlignSize - 1
		list := &tc.freelist[idx]
		debugFillFree(base[pos+4 : pos+length])
		*linkAt(base, pos) = list.head
		list.head = uint32(pos >> OffsetShift)
		list.cnt++
	} else {
		var update [skipListLevelMax]hugeRef
		randLev := tc.randomLevel()
		n1 := tc.headRef()
		for k := int(tc.hugeList.size) - 1; k >= 0; k-- {
			for {
				nx := n1.next(base, k)
				if nx == ListTail {
					break
				}
				n2 := tc.ref(uint64(nx) << OffsetShift)
				if uint64(n2.size(base)) >= length {
					break
				}
				n1 = n2
			}
			update[k] = n1
		}
		var k int
		if randLev >= int(tc.hugeList.size) {
			k = int(tc.hugeList.size)
			tc.hugeList.size++
			update[k] = tc.headRef()
		} else {
			k = randLev
		}
		node := tc.ref(pos)
		posShift := uint32(pos >> OffsetShift)
		for {
			n1 = update[k]
			node.setNext(base, k, n1.next(base, k))
			n1.setNext(base, k, posShift)
			if k == 0 {
				break
			}
			k--
		}
		node.setSize(base, uint32(length))
		debugFillFree(base[pos+hugeLinkSize : pos+length])
		tc.hugeSizeSum += length
		tc.hugeNodeCnt++
	}
	tc.fragAdd(length)
}

func (tc *TCSlab) setHotArea(base []byte, pos, length uint64) {
	if tc.hotEnd.Load() == pos {
		// 新chunk正好接在热区后面，游标不动
		tc.hotEnd.Store(pos + length)
	} else {
		hotPos, hotEnd := tc.hotPos.Load(), tc.hotEnd.Load()
		if hotPos < hotEnd {
			tc.sfree(base, hotPos, hotEnd-hotPos)
		}
		tc.hotPos.Store(pos)
		tc.hotEnd.Store(pos + length)
	}
}

func (tc *TCSlab) populateHotArea(base []byte, pageSize uint64) {
	for pos := tc.hotPos.Load(); pos < tc.hotEnd.Load(); pos += pageSize {
		base[pos] = 0
	}
}
