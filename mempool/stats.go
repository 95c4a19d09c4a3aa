package mempool

// FastbinStat是一个精确尺寸链表的快照
type FastbinStat struct {
	Size  uint64
	Count uint64
}

// HugeStat是huge skiplist的聚合快照
type HugeStat struct {
	NodeCnt uint64
	SizeSum uint64
}

// MemStat对应一次全量统计扫描的结果，各字段允许互相轻微不一致
type MemStat struct {
	Fastbin  []FastbinStat
	Huge     HugeStat
	FragSize uint64
	UsedSize uint64
	Capacity uint64
}

// 统计线程并发读热区游标，写线程可能在两次Load之间推进，
// 读到pos>end就重试
func (tc *TCSlab) hotFree() uint64 {
	for {
		pos := tc.hotPos.Load()
		end := tc.hotEnd.Load()
		if pos <= end {
			return end - pos
		}
	}
}

// 当前tc里所有可复用字节：碎片+热区余量。只保证弱一致
func (tc *TCSlab) slowGetFreeSize() uint64 {
	return tc.fragmentSize + tc.hotFree()
}

// SlowGetFreeSize扫描全部线程缓存求空闲总量，代价与tc数量成正比
func (a *Arena) SlowGetFreeSize() uint64 {
	var sum uint64
	a.forEachTC(func(tc *TCSlab) {
		sum += tc.slowGetFreeSize()
	})
	return sum
}

// GetFastbin返回各精确尺寸链表的长度直方图，跨tc求和
func (a *Arena) GetFastbin() []FastbinStat {
	res := make([]FastbinStat, a.fastbinMax/AlignSize)
	for i := range res {
		res[i].Size = uint64(i+1) * AlignSize
	}
	a.forEachTC(func(tc *TCSlab) {
		for i := range tc.freelist {
			res[i].Count += uint64(tc.freelist[i].cnt)
		}
	})
	return res
}

func (a *Arena) GetHugeStat() HugeStat {
	var hs HugeStat
	a.forEachTC(func(tc *TCSlab) {
		hs.NodeCnt += tc.hugeNodeCnt
		hs.SizeSum += tc.hugeSizeSum
	})
	return hs
}

// FragSize读全局计数器，增量未刷出时可能为负，夹到0
func (a *Arena) FragSize() uint64 {
	v := a.fragmentSize.Load()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// SyncFragSize把各tc超过阈值的增量刷进全局计数器
func (a *Arena) SyncFragSize() {
	a.forEachTC(func(tc *TCSlab) {
		inc := tc.fragInc
		if inc > fragFlushLimit || inc < -fragFlushLimit {
			a.fragmentSize.Add(inc)
			tc.fragInc = 0
		}
	})
}

// SyncFragSizeFull无条件刷全部增量，仅在外部保证无并发写时调用
func (a *Arena) SyncFragSizeFull() {
	a.forEachTC(func(tc *TCSlab) {
		a.fragmentSize.Add(tc.fragInc)
		tc.fragInc = 0
	})
}

func (a *Arena) GetMemStat() MemStat {
	return MemStat{
		Fastbin:  a.GetFastbin(),
		Huge:     a.GetHugeStat(),
		FragSize: a.FragSize(),
		UsedSize: a.used.Load(),
		Capacity: a.capacity,
	}
}
