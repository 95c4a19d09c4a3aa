package trie

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"cradix/file"
	"cradix/mempool"
	"cradix/utils"
	"cradix/utils/mmap"

	"github.com/pkg/errors"
)

// Stat是四类结构变换的累计次数快照
type Stat struct {
	NFork         uint64
	NSplit        uint64
	NMarkFinal    uint64
	NAddStateMove uint64
}

func (s Stat) Sum() uint64 {
	return s.NFork + s.NSplit + s.NMarkFinal + s.NAddStateMove
}

// Patricia把定长值的字节串键集合放在一个偏移寻址的arena里。
// 结构编辑全部走COW：新节点整块初始化后用一次CAS换掉父槽，
// 旧块挂进延迟释放队列等读者退场
type Patricia struct {
	arena   *mempool.Arena
	valsize uint32
	level   ConcurrentLevel

	root     uint32 // 缩放偏移，空树为ListTail
	verseq   atomic.Uint64
	numWords atomic.Uint64
	readonly atomic.Bool

	statFork         atomic.Uint64
	statSplit        atomic.Uint64
	statMarkFinal    atomic.Uint64
	statAddStateMove atomic.Uint64

	// MultiWriteMultiRead下写者互斥，读者永远无锁
	writeMu sync.Mutex

	tokenMu  sync.Mutex
	tokens   []*TokenBase
	qmu      sync.Mutex
	qhead    *TokenBase
	qtail    *TokenBase
	qlen     atomic.Int64
	frontier atomic.Uint64

	// 延迟释放队列只有写者访问
	lazy    []lazyEnt
	lazyCnt atomic.Int64
	lazySum atomic.Int64

	// 从镜像打开时持有映射文件
	img *file.MmapFile
}

// 解析构造配置串，形如"hugepage=kMmap"。环境变量CRADIX_HUGEPAGE
// 在配置未显式指定时生效
func parseConfig(conf string) (*mempool.Options, error) {
	opt := mempool.NewDefaultOptions()
	explicit := false
	for _, kv := range strings.Split(conf, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return nil, errors.Errorf("bad config entry %q", kv)
		}
		key, val := kv[:eq], kv[eq+1:]
		switch key {
		case "hugepage":
			explicit = true
			switch val {
			case "kNone":
				opt.Hugepage = mmap.HugeNone
			case "kMmap":
				opt.Hugepage = mmap.HugeMmap
			case "kTransparent":
				opt.Hugepage = mmap.HugeTransparent
			default:
				return nil, errors.Errorf("unknown hugepage mode %q", val)
			}
		default:
			return nil, errors.Errorf("unknown config key %q", key)
		}
	}
	if !explicit && os.Getenv("CRADIX_HUGEPAGE") != "" {
		opt.Hugepage = mmap.HugeTransparent
	}
	return opt, nil
}

// New建一棵空树。valsize是值槽字节数（0表示只存键），maxMem是
// arena的容量上限，conf见parseConfig
func New(valsize uint32, maxMem uint64, level ConcurrentLevel, conf string) (*Patricia, error) {
	opt, err := parseConfig(conf)
	if err != nil {
		return nil, err
	}
	arena, err := mempool.NewArena(maxMem, opt)
	if err != nil {
		return nil, errors.Wrap(err, "patricia create")
	}
	t := &Patricia{
		arena:   arena,
		valsize: valsize,
		level:   level,
	}
	t.root = mempool.ListTail
	if level == NoWriteReadOnly {
		t.readonly.Store(true)
	}
	return t, nil
}

// Close前所有token必须已Release。镜像模式下归还映射文件
func (t *Patricia) Close() error {
	t.tokenMu.Lock()
	for _, tok := range t.tokens {
		s := tok.getState()
		if s == sAcquireDone || s == sAcquireIdle || s == sAcquireLock {
			t.tokenMu.Unlock()
			return errors.Wrap(utils.ErrTokenState, "close with acquired token")
		}
	}
	for _, tok := range t.tokens {
		if tok.tc != nil {
			t.arena.ReleaseTC(tok.tc)
			tok.tc = nil
		}
	}
	t.tokens = nil
	t.tokenMu.Unlock()
	if t.img != nil {
		return t.img.Close()
	}
	return t.arena.Close()
}

// Lookup从根逐节点消耗key。命中终止节点时把值槽偏移发布到token上
func (t *Patricia) Lookup(key []byte, tok Token) bool {
	b := tok.base()
	utils.CondPanic(b.trie != t, utils.ErrTokenTrie)
	b.valOff = mempool.Fail
	base := t.arena.Base()
	cur := atomic.LoadUint32(&t.root)
	i := 0
	for {
		if cur == mempool.ListTail {
			return false
		}
		n := nref{b: base, pos: unscaled(cur)}
		m := n.meta()
		edge := n.edge()
		if !bytes.HasPrefix(key[i:], edge) {
			return false
		}
		i += len(edge)
		if i == len(key) {
			if !metaIsFinal(m) {
				return false
			}
			b.valOff = unscaled(metaValOff(m))
			return true
		}
		k, ok := n.findChild(key[i])
		if !ok {
			return false
		}
		cur = n.child(k)
		i++
	}
}

// Insert返回key是否为新插入。键已存在时不改写旧值，token指向
// 既有值槽；arena耗尽时返回true且token无值，树保持一致
func (t *Patricia) Insert(key, val []byte, tok *WriterToken) (bool, error) {
	return t.insert(key, val, tok, false)
}

// Upsert与Insert相同，但键已存在时换上新值槽：拷贝终止节点挂新槽，
// 一次CAS重新发布，旧节点连同旧值槽按版本退休。读者要么看到完整的
// 旧值要么看到完整的新值
func (t *Patricia) Upsert(key, val []byte, tok *WriterToken) (bool, error) {
	return t.insert(key, val, tok, true)
}

func (t *Patricia) insert(key, val []byte, tok *WriterToken, overwrite bool) (bool, error) {
	utils.CondPanic(tok.trie != t, utils.ErrTokenTrie)
	if t.readonly.Load() {
		return false, utils.ErrReadonly
	}
	if len(val) != int(t.valsize) {
		return false, errors.Wrapf(utils.ErrValueSize, "want %d got %d", t.valsize, len(val))
	}
	if t.level == MultiWriteMultiRead {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
	}
	newly := t.insertLocked(key, val, tok, overwrite)
	if newly && tok.HasValue() {
		t.numWords.Add(1)
	}
	t.drainLazy(tok.tc)
	return newly, nil
}

func (t *Patricia) insertLocked(key, val []byte, tok *WriterToken, overwrite bool) bool {
	tc := tok.tc
	var allocs []span

	// OOM回滚：本次insert的分配按逆序退还，树不留痕迹
	rollback := func() bool {
		for k := len(allocs) - 1; k >= 0; k-- {
			t.arena.Sfree(allocs[k].pos, allocs[k].length, tc)
		}
		tok.valOff = mempool.Fail
		return true
	}
	// 发布协议：一次CAS换父槽，verseq推进，旧块按新版本号退休
	publish := func(parent *uint32, old, repl uint32, retired nref, counter *atomic.Uint64) bool {
		if !atomic.CompareAndSwapUint32(parent, old, repl) {
			return false
		}
		t.verseq.Add(1)
		if retired.b != nil {
			t.retire(retired.pos, retired.size())
		}
		counter.Add(1)
		return true
	}

restart:
	allocs = allocs[:0]
	parent := &t.root
	i := 0
	for {
		cur := atomic.LoadUint32(parent)
		if cur == mempool.ListTail {
			// 只有空树的根槽为空
			valOff, ok := t.newValue(tok, val, &allocs)
			if !ok {
				return rollback()
			}
			repl, ok := t.buildChain(tc, key, valOff, &allocs)
			if !ok {
				return rollback()
			}
			if !publish(parent, cur, repl, nref{}, &t.statAddStateMove) {
				rollback()
				goto restart
			}
			tok.valOff = unscaled(valOff)
			return true
		}

		n := t.node(cur)
		m := n.meta()
		edge := n.edge()
		j := matchLen(edge, key[i:])

		if j < len(edge) {
			if i+j == len(key) {
				// key终止在边内部：劈出一个中间终止节点
				valOff, ok := t.newValue(tok, val, &allocs)
				if !ok {
					return rollback()
				}
				labels, children := n.collect()
				tail, ok := t.newNode(tc, edge[j+1:], metaIsFinal(m), metaValOff(m), labels, children, &allocs)
				if !ok {
					return rollback()
				}
				mid, ok := t.newNode(tc, edge[:j], true, valOff, []byte{edge[j]}, []uint32{tail}, &allocs)
				if !ok {
					return rollback()
				}
				if !publish(parent, cur, mid, n, &t.statSplit) {
					rollback()
					goto restart
				}
				tok.valOff = unscaled(valOff)
				return true
			}
			// 边内字节分歧：fork出双子分支节点
			valOff, ok := t.newValue(tok, val, &allocs)
			if !ok {
				return rollback()
			}
			labels, children := n.collect()
			oldTail, ok := t.newNode(tc, edge[j+1:], metaIsFinal(m), metaValOff(m), labels, children, &allocs)
			if !ok {
				return rollback()
			}
			newTail, ok := t.buildChain(tc, key[i+j+1:], valOff, &allocs)
			if !ok {
				return rollback()
			}
			eb, cb := edge[j], key[i+j]
			forkLabels := []byte{eb, cb}
			forkKids := []uint32{oldTail, newTail}
			if cb < eb {
				forkLabels[0], forkLabels[1] = cb, eb
				forkKids[0], forkKids[1] = newTail, oldTail
			}
			branch, ok := t.newNode(tc, edge[:j], false, 0, forkLabels, forkKids, &allocs)
			if !ok {
				return rollback()
			}
			if !publish(parent, cur, branch, n, &t.statFork) {
				rollback()
				goto restart
			}
			tok.valOff = unscaled(valOff)
			return true
		}

		i += j
		if i == len(key) {
			if metaIsFinal(m) {
				if !overwrite {
					// 已存在，发布既有值槽
					tok.valOff = unscaled(metaValOff(m))
					return false
				}
				// 覆盖也走COW：新值槽挂在同形态拷贝节点上一次CAS换入，
				// 发布过的值槽从不改写
				valOff, ok := t.newValue(tok, val, &allocs)
				if !ok {
					return rollback()
				}
				labels, children := n.collect()
				repl, ok := t.newNode(tc, edge, true, valOff, labels, children, &allocs)
				if !ok {
					return rollback()
				}
				if !publish(parent, cur, repl, n, &t.statMarkFinal) {
					rollback()
					goto restart
				}
				if t.valsize != 0 {
					t.retire(unscaled(metaValOff(m)), t.valSlotSize())
				}
				tok.valOff = unscaled(valOff)
				return false
			}
			// mark-final：同形态拷贝加值槽
			valOff, ok := t.newValue(tok, val, &allocs)
			if !ok {
				return rollback()
			}
			labels, children := n.collect()
			repl, ok := t.newNode(tc, edge, true, valOff, labels, children, &allocs)
			if !ok {
				return rollback()
			}
			if !publish(parent, cur, repl, n, &t.statMarkFinal) {
				rollback()
				goto restart
			}
			tok.valOff = unscaled(valOff)
			return true
		}

		c := key[i]
		if k, ok := n.findChild(c); ok {
			parent = n.slotPtr(k)
			i++
			continue
		}

		// add-state-move：拷贝节点追加一条转移，形态按新fanout自动升格
		valOff, ok := t.newValue(tok, val, &allocs)
		if !ok {
			return rollback()
		}
		leaf, ok := t.buildChain(tc, key[i+1:], valOff, &allocs)
		if !ok {
			return rollback()
		}
		labels, children := n.collect()
		at := n.lowerChild(c)
		labels = append(labels, 0)
		children = append(children, 0)
		copy(labels[at+1:], labels[at:])
		copy(children[at+1:], children[at:])
		labels[at] = c
		children[at] = leaf
		repl, ok := t.newNode(tc, edge, metaIsFinal(m), metaValOff(m), labels, children, &allocs)
		if !ok {
			return rollback()
		}
		if !publish(parent, cur, repl, n, &t.statAddStateMove) {
			rollback()
			goto restart
		}
		tok.valOff = unscaled(valOff)
		return true
	}
}

// SetReadonly单向冻结。进行中的读者和迭代器不受影响
func (t *Patricia) SetReadonly() {
	t.readonly.Store(true)
}

func (t *Patricia) IsReadonly() bool {
	return t.readonly.Load()
}

func (t *Patricia) NumWords() uint64 { return t.numWords.Load() }

func (t *Patricia) GetValsize() uint32 { return t.valsize }

func (t *Patricia) Level() ConcurrentLevel { return t.level }

func (t *Patricia) MemSize() uint64 { return t.arena.Used() }

func (t *Patricia) MemAlignSize() uint64 { return t.arena.AlignSize() }

func (t *Patricia) MemFragSize() uint64 { return t.arena.FragSize() }

func (t *Patricia) Verseq() uint64 { return t.verseq.Load() }

func (t *Patricia) TrieStat() Stat {
	return Stat{
		NFork:         t.statFork.Load(),
		NSplit:        t.statSplit.Load(),
		NMarkFinal:    t.statMarkFinal.Load(),
		NAddStateMove: t.statAddStateMove.Load(),
	}
}

// SyncStat把各线程缓存攒着的碎片增量全量刷进全局计数器。
// 要求调用期间没有并发写
func (t *Patricia) SyncStat() {
	t.arena.SyncFragSizeFull()
}

// MemStat聚合arena与延迟释放队列的统计
type MemStat struct {
	mempool.MemStat
	LazyFreeCnt uint64
	LazyFreeSum uint64
}

func (t *Patricia) MemGetStat() MemStat {
	return MemStat{
		MemStat:     t.arena.GetMemStat(),
		LazyFreeCnt: uint64(t.lazyCnt.Load()),
		LazyFreeSum: uint64(t.lazySum.Load()),
	}
}

// MempoolTcPopulate把sz字节预提交进该写者的热区
func (t *Patricia) MempoolTcPopulate(sz uint64, tok *WriterToken) {
	t.arena.TCPopulate(sz, tok.tc)
}

func (t *Patricia) SetChunkSize(sz uint64) { t.arena.SetChunkSize(sz) }

func (t *Patricia) GetChunkSize() uint64 { return t.arena.ChunkSize() }
