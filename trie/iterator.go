package trie

import (
	"sync/atomic"

	"cradix/mempool"
)

// 路径帧。idx是从本节点下降时走的子下标，-1表示停在本节点的
// 终止位上；wlen是word吃进本节点边之后的长度，回退时用来截断
type iterFrame struct {
	off  uint32
	idx  int
	wlen int
}

// Iterator是读者token的特化：持有一条根到当前终止节点的路径栈
// 和一份连续的word缓冲。token保持AcquireDone期间路径节点不会被
// 回收；Idle后被回收越过则IsValid变假，Update之后重新seek即可恢复
type Iterator struct {
	ReaderToken
	stack []iterFrame
	word  []byte
	ok    bool
}

func (t *Patricia) NewIterator() *Iterator {
	it := &Iterator{}
	t.newToken(&it.TokenBase, false)
	return it
}

func (it *Iterator) reset() {
	it.stack = it.stack[:0]
	it.word = it.word[:0]
	it.ok = false
}

func (it *Iterator) push(off uint32) {
	n := it.trie.node(off)
	it.word = append(it.word, n.edge()...)
	it.stack = append(it.stack, iterFrame{off: off, idx: -1, wlen: len(it.word)})
}

func (it *Iterator) top() *iterFrame {
	return &it.stack[len(it.stack)-1]
}

// 从栈顶子树下潜到最小终止节点。终止位排在自身子树的所有扩展之前
func (it *Iterator) leftmost() {
	for {
		f := it.top()
		n := it.trie.node(f.off)
		if metaIsFinal(n.meta()) {
			it.ok = true
			return
		}
		f.idx = 0
		it.word = append(it.word, n.label(0))
		it.push(n.child(0))
	}
}

// 下潜到最大终止节点：一路取最后一个子
func (it *Iterator) rightmost() {
	for {
		f := it.top()
		n := it.trie.node(f.off)
		fan := metaFanout(n.meta())
		if fan == 0 {
			it.ok = true
			return
		}
		f.idx = fan - 1
		it.word = append(it.word, n.label(fan-1))
		it.push(n.child(fan - 1))
	}
}

func (it *Iterator) SeekBegin() bool {
	it.reset()
	root := atomic.LoadUint32(&it.trie.root)
	if root == mempool.ListTail {
		return false
	}
	it.push(root)
	it.leftmost()
	return it.ok
}

func (it *Iterator) SeekEnd() bool {
	it.reset()
	root := atomic.LoadUint32(&it.trie.root)
	if root == mempool.ListTail {
		return false
	}
	it.push(root)
	it.rightmost()
	return it.ok
}

// SeekLowerBound定位到第一个不小于key的词，不存在时迭代器无效
func (it *Iterator) SeekLowerBound(key []byte) bool {
	it.reset()
	cur := atomic.LoadUint32(&it.trie.root)
	if cur == mempool.ListTail {
		return false
	}
	i := 0
	for {
		it.push(cur)
		n := it.trie.node(cur)
		edge := n.edge()
		j := matchLen(edge, key[i:])
		if i+j == len(key) {
			// key被吃完，本子树的每个词都不小于key
			it.leftmost()
			return it.ok
		}
		if j < len(edge) {
			if edge[j] > key[i+j] {
				it.leftmost()
				return it.ok
			}
			// 整棵子树都小于key，接班人在上层
			return it.succ()
		}
		i += len(edge)
		c := key[i]
		f := it.top()
		fan := metaFanout(n.meta())
		k := n.lowerChild(c)
		if k == fan {
			return it.succ()
		}
		f.idx = k
		lb := n.label(k)
		it.word = append(it.word, lb)
		if lb == c {
			cur = n.child(k)
			i++
			continue
		}
		it.push(n.child(k))
		it.leftmost()
		return it.ok
	}
}

// 弹栈找下一个终止节点。栈顶子树已经遍历完（或整体小于目标）
func (it *Iterator) succ() bool {
	for {
		it.stack = it.stack[:len(it.stack)-1]
		if len(it.stack) == 0 {
			it.ok = false
			return false
		}
		f := it.top()
		it.word = it.word[:f.wlen]
		n := it.trie.node(f.off)
		k := f.idx + 1
		if k < metaFanout(n.meta()) {
			f.idx = k
			it.word = append(it.word, n.label(k))
			it.push(n.child(k))
			it.leftmost()
			return true
		}
	}
}

// Incr移到后继词，到尾部返回false并停在无效位
func (it *Iterator) Incr() bool {
	if !it.ok {
		return false
	}
	if !it.IsValid() {
		it.ok = false
		return false
	}
	f := it.top()
	n := it.trie.node(f.off)
	if metaFanout(n.meta()) > 0 {
		f.idx = 0
		it.word = append(it.word, n.label(0))
		it.push(n.child(0))
		it.leftmost()
		return true
	}
	return it.succ()
}

// Decr移到前驱词，到头部返回false
func (it *Iterator) Decr() bool {
	if !it.ok {
		return false
	}
	if !it.IsValid() {
		it.ok = false
		return false
	}
	for {
		it.stack = it.stack[:len(it.stack)-1]
		if len(it.stack) == 0 {
			it.ok = false
			return false
		}
		f := it.top()
		it.word = it.word[:f.wlen]
		n := it.trie.node(f.off)
		k := f.idx
		if k > 0 {
			f.idx = k - 1
			it.word = append(it.word, n.label(k-1))
			it.push(n.child(k - 1))
			it.rightmost()
			return true
		}
		// 第0个子之前轮到本节点的终止位
		if metaIsFinal(n.meta()) {
			f.idx = -1
			it.ok = true
			return true
		}
	}
}

func (it *Iterator) Ok() bool { return it.ok }

// Word返回当前词，内容在下一次移动前有效
func (it *Iterator) Word() []byte {
	if !it.ok {
		return nil
	}
	return it.word
}

// Value返回当前词的值槽字节
func (it *Iterator) Value() []byte {
	if !it.ok || it.trie.valsize == 0 {
		return nil
	}
	n := it.trie.node(it.top().off)
	off := unscaled(metaValOff(n.meta()))
	return it.trie.arena.Bytes(off, uint64(it.trie.valsize))
}
