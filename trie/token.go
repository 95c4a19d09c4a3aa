package trie

import (
	"runtime"
	"sync/atomic"

	"cradix/mempool"
	"cradix/utils"
)

// token生命周期状态。AcquireDone是唯一允许读值的状态；
// AcquireLock只由非属主线程设置，短暂钉住一个Idle token
const (
	sReleaseDone uint32 = iota
	sAcquireDone
	sAcquireIdle
	sAcquireLock
	sReleaseWait
	sDisposeWait
	sDisposeDone
)

const (
	stateMask = 0xFFFF
	headFlag  = 1 << 16
)

// TokenBase把一个线程对树的引用寿命圈起来：liveVerseq是获取时的
// 版本，回收永远不会越过所有活跃token的最小liveVerseq
type TokenBase struct {
	trie   *Patricia
	tc     *mempool.TCSlab
	valOff uint64

	liveVerseq atomic.Uint64
	minAge     atomic.Uint64

	// {state, isHead}打包在一个32位原子字里
	state atomic.Uint32

	qnext   *TokenBase
	qverseq uint64
}

type ReaderToken struct {
	TokenBase
}

type WriterToken struct {
	TokenBase

	initValue func(val []byte)
}

// SetInitValue注册值槽初始化回调。回调在新值槽发布前被调用，拿到
// 的是尚无读者可见的槽字节；发布后的值槽只读，改值走Upsert
func (w *WriterToken) SetInitValue(fn func(val []byte)) {
	w.initValue = fn
}

// Token由ReaderToken和WriterToken通过内嵌实现
type Token interface {
	base() *TokenBase
}

func (b *TokenBase) base() *TokenBase { return b }

func (b *TokenBase) getState() uint32 { return b.state.Load() & stateMask }

// 换状态位，保留head位
func (b *TokenBase) casState(old, new uint32) bool {
	for {
		v := b.state.Load()
		if v&stateMask != old {
			return false
		}
		if b.state.CompareAndSwap(v, v&^stateMask|new) {
			return true
		}
	}
}

func (b *TokenBase) setHead(on bool) {
	for {
		v := b.state.Load()
		nv := v | headFlag
		if !on {
			nv = v &^ headFlag
		}
		if v == nv || b.state.CompareAndSwap(v, nv) {
			return
		}
	}
}

func (t *Patricia) newToken(tb *TokenBase, withTC bool) {
	tb.trie = t
	tb.valOff = mempool.Fail
	if withTC {
		tb.tc = t.arena.AcquireTC()
	}
	t.tokenMu.Lock()
	t.tokens = append(t.tokens, tb)
	t.tokenMu.Unlock()
}

func (t *Patricia) NewReaderToken() *ReaderToken {
	rt := &ReaderToken{}
	t.newToken(&rt.TokenBase, false)
	return rt
}

func (t *Patricia) NewWriterToken() *WriterToken {
	wt := &WriterToken{}
	t.newToken(&wt.TokenBase, true)
	return wt
}

// Acquire进入活跃态。若token还卡在退休队列里，先帮忙推进队列
func (b *TokenBase) Acquire() {
	for {
		switch b.getState() {
		case sReleaseDone:
		case sReleaseWait:
			b.trie.processTokenQueue()
			runtime.Gosched()
			continue
		default:
			utils.Panic(utils.ErrTokenState)
		}
		// 先写版本再亮状态，扫描线程不会读到过期的liveVerseq
		b.liveVerseq.Store(b.trie.verseq.Load() + 1)
		b.minAge.Store(0)
		b.valOff = mempool.Fail
		if b.casState(sReleaseDone, sAcquireDone) {
			return
		}
	}
}

// Idle只能由属主线程调用，表示暂不持有引用，回收可以越过它
func (b *TokenBase) Idle() {
	utils.CondPanic(!b.casState(sAcquireDone, sAcquireIdle), utils.ErrTokenState)
}

// Update回到活跃态并刷新版本。返回值指示休眠期间此前观察到的
// 引用是否仍然有效，false时迭代器需要重新seek
func (b *TokenBase) Update() bool {
	for {
		s := b.getState()
		switch s {
		case sAcquireDone:
		case sAcquireIdle:
			if !b.casState(sAcquireIdle, sAcquireDone) {
				continue
			}
		case sAcquireLock:
			// 扫描线程正钉着，等它放手
			runtime.Gosched()
			continue
		default:
			utils.Panic(utils.ErrTokenState)
		}
		valid := b.IsValid()
		b.liveVerseq.Store(b.trie.verseq.Load() + 1)
		b.minAge.Store(0)
		return valid
	}
}

// IsValid为false说明回收已越过本token获取时的版本
func (b *TokenBase) IsValid() bool {
	return b.minAge.Load() < b.liveVerseq.Load()
}

// Release把token挂上退休队列，等全局最小活跃版本越过入队版本后
// 才真正回到ReleaseDone
func (b *TokenBase) Release() {
	for {
		s := b.getState()
		switch s {
		case sAcquireDone, sAcquireIdle:
			if !b.casState(s, sReleaseWait) {
				continue
			}
		case sAcquireLock:
			runtime.Gosched()
			continue
		default:
			utils.Panic(utils.ErrTokenState)
		}
		break
	}
	b.valOff = mempool.Fail
	b.trie.enqueueToken(b)
	b.trie.processTokenQueue()
}

// Dispose申请删除，token活到队列排干为止
func (b *TokenBase) Dispose() {
	switch b.getState() {
	case sAcquireDone, sAcquireIdle:
		b.Release()
	}
	for {
		switch s := b.getState(); s {
		case sReleaseWait:
			if b.casState(sReleaseWait, sDisposeWait) {
				b.trie.processTokenQueue()
				return
			}
		case sReleaseDone:
			if b.casState(sReleaseDone, sDisposeDone) {
				b.trie.finishDispose(b)
				return
			}
		case sDisposeWait, sDisposeDone:
			return
		default:
			utils.Panic(utils.ErrTokenState)
		}
	}
}

func (b *TokenBase) HasValue() bool {
	return b.valOff != mempool.Fail
}

// Value返回最近一次命中的值槽字节，仅在AcquireDone下合法。
// 槽发布后只读，写值只能经由Insert/Upsert或SetInitValue回调
func (b *TokenBase) Value() []byte {
	if !b.HasValue() || b.trie.valsize == 0 {
		return nil
	}
	return b.trie.arena.Bytes(b.valOff, uint64(b.trie.valsize))
}

// SingleReaderToken是单线程场景的轻量token：不进注册表，
// 不参与退休队列，只够Lookup发布值槽用
type SingleReaderToken struct {
	TokenBase
}

func (t *Patricia) NewSingleReaderToken() *SingleReaderToken {
	utils.CondPanic(t.level > SingleThreadShared, utils.ErrTokenState)
	st := &SingleReaderToken{}
	st.trie = t
	st.valOff = mempool.Fail
	st.state.Store(sAcquireDone)
	return st
}

func (t *Patricia) enqueueToken(b *TokenBase) {
	t.qmu.Lock()
	b.qverseq = t.verseq.Load()
	b.qnext = nil
	if t.qtail == nil {
		t.qhead = b
		b.setHead(true)
	} else {
		t.qtail.qnext = b
	}
	t.qtail = b
	t.qmu.Unlock()
	t.qlen.Add(1)
}

// 推进退休队列：入队版本已低于全局最小活跃版本的token可以离场
func (t *Patricia) processTokenQueue() {
	minLive := t.computeMinLive()
	var disposed []*TokenBase
	t.qmu.Lock()
	for t.qhead != nil && t.qhead.qverseq < minLive {
		tok := t.qhead
		t.qhead = tok.qnext
		tok.qnext = nil
		tok.setHead(false)
		if t.qhead == nil {
			t.qtail = nil
		} else {
			t.qhead.setHead(true)
		}
		t.qlen.Add(-1)
		if tok.casState(sDisposeWait, sDisposeDone) {
			disposed = append(disposed, tok)
		} else {
			tok.casState(sReleaseWait, sReleaseDone)
		}
	}
	t.qmu.Unlock()
	for _, tok := range disposed {
		t.finishDispose(tok)
	}
}

// DisposeDone后注销并归还线程缓存
func (t *Patricia) finishDispose(b *TokenBase) {
	if b.tc != nil {
		t.arena.ReleaseTC(b.tc)
		b.tc = nil
	}
	t.tokenMu.Lock()
	for k, tok := range t.tokens {
		if tok == b {
			last := len(t.tokens) - 1
			t.tokens[k] = t.tokens[last]
			t.tokens = t.tokens[:last]
			break
		}
	}
	t.tokenMu.Unlock()
}

func (t *Patricia) TokenQlen() int64 {
	return t.qlen.Load()
}

// 全局最小活跃版本。Idle token被钉住后从最小值里剔除，若回收
// 会越过它则写minAge通知属主失效
func (t *Patricia) computeMinLive() uint64 {
	min := t.verseq.Load() + 1
	t.tokenMu.Lock()
	var pinned []*TokenBase
	for _, tok := range t.tokens {
		switch tok.getState() {
		case sAcquireDone, sAcquireLock:
			if lv := tok.liveVerseq.Load(); lv < min {
				min = lv
			}
		case sAcquireIdle:
			if tok.casState(sAcquireIdle, sAcquireLock) {
				pinned = append(pinned, tok)
			} else if lv := tok.liveVerseq.Load(); tok.getState() == sAcquireDone && lv < min {
				// 属主刚唤醒，按活跃处理
				min = lv
			}
		}
	}
	for _, tok := range pinned {
		if min > tok.liveVerseq.Load() {
			tok.minAge.Store(min)
		}
		tok.casState(sAcquireLock, sAcquireIdle)
	}
	t.tokenMu.Unlock()
	for {
		f := t.frontier.Load()
		if min <= f || t.frontier.CompareAndSwap(f, min) {
			break
		}
	}
	return min
}
