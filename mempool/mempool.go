package mempool

import (
	"sync"
	"sync/atomic"

	"cradix/utils"
	"cradix/utils/mmap"

	"github.com/pkg/errors"
)

const (
	// AlignSize为2的幂且>=4，链接字段存放缩放后的偏移
	AlignSize   = 8
	OffsetShift = 3

	// 偏移的链表尾哨兵
	ListTail = ^uint32(0)
	// 分配失败哨兵，字节偏移
	Fail = ^uint64(0)

	skipListLevelMax = 8

	defaultFastbinMax = 256
	defaultChunkSize  = 2 << 20

	// 本地碎片统计超过该值才刷到全局计数器，压住跨线程cacheline流量
	fragFlushLimit = 256 << 10
)

type Options struct {
	FastbinMax       uint64
	ChunkSize        uint64
	Hugepage         int // mmap.HugeNone / HugeMmap / HugeTransparent
	VMExplicitCommit bool
}

func NewDefaultOptions() *Options {
	return &Options{
		FastbinMax: defaultFastbinMax,
		ChunkSize:  defaultChunkSize,
		Hugepage:   mmap.HugeNone,
	}
}

// Arena是一段基址稳定的连续预留区。接口上的位置是字节偏移，
// 空闲链表的链接字段存缩放偏移。used只经CAS单调增长（chunkAlloc
// 与TCPopulate），活跃期间不支持收缩
type Arena struct {
	base     []byte
	used     atomic.Uint64
	capacity uint64

	fastbinMax uint64
	chunkSize  uint64

	fragmentSize atomic.Int64

	vmExplicitCommit bool
	readonly         bool

	mu     sync.Mutex
	tcs    []*TCSlab
	freeTC *TCSlab
	nextID uint64
}

func NewArena(maxMem uint64, opt *Options) (*Arena, error) {
	if opt == nil {
		opt = NewDefaultOptions()
	}
	chunkSize := opt.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	utils.CondPanic(chunkSize&(chunkSize-1) != 0, errors.Errorf("chunk size %d is not power of two", chunkSize))
	fastbinMax := opt.FastbinMax
	if fastbinMax == 0 {
		fastbinMax = defaultFastbinMax
	}
	fastbinMax = utils.Pow2AlignUp(fastbinMax, AlignSize)
	// huge链表节点要装得下size+next[8]
	utils.CondPanic(fastbinMax < hugeLinkSize, errors.Errorf("fastbin max %d below huge link size", fastbinMax))

	capacity := utils.Pow2AlignUp(maxMem, chunkSize)
	if capacity < chunkSize {
		capacity = chunkSize
	}
	base, err := mmap.MmapAnon(int64(capacity), opt.Hugepage)
	if err != nil {
		return nil, errors.Wrapf(err, "arena reserve %d bytes", capacity)
	}
	return &Arena{
		base:             base,
		capacity:         capacity,
		fastbinMax:       fastbinMax,
		chunkSize:        chunkSize,
		vmExplicitCommit: opt.VMExplicitCommit,
	}, nil
}

// 从保存的镜像字节上重建只读arena，偏移直接生效
func NewReadonlyArena(data []byte) *Arena {
	a := &Arena{
		base:       data,
		capacity:   uint64(len(data)),
		fastbinMax: defaultFastbinMax,
		chunkSize:  defaultChunkSize,
		readonly:   true,
	}
	a.used.Store(uint64(len(data)))
	return a
}

func (a *Arena) Close() error {
	if a.readonly {
		return nil
	}
	return mmap.Munmap(a.base)
}

func (a *Arena) Base() []byte       { return a.base }
func (a *Arena) Used() uint64       { return a.used.Load() }
func (a *Arena) Capacity() uint64   { return a.capacity }
func (a *Arena) AlignSize() uint64  { return AlignSize }
func (a *Arena) ChunkSize() uint64  { return a.chunkSize }
func (a *Arena) FastbinMax() uint64 { return a.fastbinMax }

func (a *Arena) SetChunkSize(sz uint64) {
	utils.CondPanic(sz == 0 || sz&(sz-1) != 0, errors.Errorf("chunk size %d is not power of two", sz))
	a.chunkSize = sz
}

// 按偏移取字节切片
func (a *Arena) Bytes(pos, length uint64) []byte {
	return a.base[pos : pos+length : pos+length]
}

// 获取一个线程缓存，优先复用退出线程留下的
func (a *Arena) AcquireTC() *TCSlab {
	a.mu.Lock()
	tc := a.freeTC
	if tc != nil {
		a.freeTC = tc.nextFree
		tc.nextFree = nil
		a.mu.Unlock()
		tc.initForReuse()
		return tc
	}
	a.nextID++
	tc = newTCSlab(a, a.nextID)
	a.tcs = append(a.tcs, tc)
	a.mu.Unlock()
	return tc
}

// 线程退出协议：残余碎片增量刷到全局，热区留给下个线程复用
func (a *Arena) ReleaseTC(tc *TCSlab) {
	if tc == nil {
		return
	}
	tc.cleanForReuse()
	a.fragmentSize.Add(tc.fragInc)
	tc.fragInc = 0
	a.mu.Lock()
	tc.nextFree = a.freeTC
	a.freeTC = tc
	a.mu.Unlock()
}

// 只读扫描全部线程缓存，统计值允许轻微滞后
func (a *Arena) forEachTC(fn func(tc *TCSlab)) {
	a.mu.Lock()
	tcs := make([]*TCSlab, len(a.tcs))
	copy(tcs, a.tcs)
	a.mu.Unlock()
	for _, tc := range tcs {
		fn(tc)
	}
}

// request必须为正，内部对齐到AlignSize。返回字节偏移，失败返回Fail
func (a *Arena) Alloc(request uint64, tc *TCSlab) uint64 {
	utils.CondPanic(request == 0, errors.New("alloc zero size"))
	utils.CondPanic(tc == nil, errors.New("alloc without thread cache"))
	request = utils.Pow2AlignUp(request, AlignSize)
	res := tc.alloc(a.base, request)
	if res != Fail {
		return res
	}
	return a.allocSlowPath(request, tc)
}

func (a *Arena) allocSlowPath(request uint64, tc *TCSlab) uint64 {
	if a.chunkAlloc(tc, request) {
		return tc.alloc(a.base, request)
	}
	return Fail
}

// 原地realloc，覆盖收缩、原样、扩张三种情况
func (a *Arena) Alloc3(oldpos, oldlen, newlen uint64, tc *TCSlab) uint64 {
	utils.CondPanic(oldlen == 0 || newlen == 0, errors.New("alloc3 zero size"))
	oldlen = utils.Pow2AlignUp(oldlen, AlignSize)
	newlen = utils.Pow2AlignUp(newlen, AlignSize)
	res := tc.alloc3(a.base, oldpos, oldlen, newlen)
	if res == Fail {
		if a.chunkAlloc(tc, newlen) {
			res = tc.alloc(a.base, newlen)
			if res != Fail {
				copy(a.base[res:res+oldlen], a.base[oldpos:oldpos+oldlen])
				tc.sfree(a.base, oldpos, oldlen)
			}
		}
	}
	return res
}

func (a *Arena) Sfree(pos, length uint64, tc *TCSlab) {
	utils.CondPanic(length == 0, errors.New("sfree zero size"))
	utils.CondPanic(pos >= a.used.Load(), errors.New("sfree out of used region"))
	length = utils.Pow2AlignUp(length, AlignSize)
	tc.sfree(a.base, pos, length)
}

// CAS推进used并把新区间装成tc的热区。块尾对齐到chunkSize边界
func (a *Arena) chunkAlloc(tc *TCSlab, request uint64) bool {
	for {
		chunkLen := utils.Pow2AlignUp(request, a.chunkSize)
		oldn := a.used.Load()
		if rem := oldn & (a.chunkSize - 1); rem != 0 {
			chunkLen += a.chunkSize - rem
		}
		if oldn+chunkLen > a.capacity {
			if oldn+request > a.capacity {
				// 容量固定，失败由调用方处理
				return false
			}
			chunkLen = a.capacity - oldn
		}
		if a.used.CompareAndSwap(oldn, oldn+chunkLen) {
			if a.vmExplicitCommit {
				beg := utils.Pow2AlignDown(oldn, a.chunkSize)
				end := utils.Pow2AlignUp(oldn+chunkLen, a.chunkSize)
				if end > a.capacity {
					end = a.capacity
				}
				_ = mmap.Populate(a.base[beg:end], 4096)
			}
			tc.setHotArea(a.base, oldn, chunkLen)
			return true
		}
	}
}

// 预先把sz字节推进used并触页，装入当前tc热区
func (a *Arena) TCPopulate(sz uint64, tc *TCSlab) {
	var oldn, chunkLen uint64
	for {
		chunkLen = utils.Pow2AlignDown(sz, a.chunkSize)
		oldn = a.used.Load()
		if rem := oldn & (a.chunkSize - 1); rem != 0 {
			chunkLen += a.chunkSize - rem
		}
		if oldn+chunkLen > a.capacity {
			chunkLen = a.capacity - oldn
		}
		if a.used.CompareAndSwap(oldn, oldn+chunkLen) {
			break
		}
	}
	tc.setHotArea(a.base, oldn, chunkLen)
	tc.populateHotArea(a.base, 4*1024)
}
