package trie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"cradix/utils"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func newTestTrie(t *testing.T, valsize uint32, level ConcurrentLevel) *Patricia {
	tr, err := New(valsize, 1<<30, level, "")
	require.NoError(t, err)
	return tr
}

// 属主线程惯用法：插入前Update，插完Idle
func mustInsert(t *testing.T, tr *Patricia, tok *WriterToken, key, val []byte) bool {
	tok.Update()
	defer tok.Idle()
	newly, err := tr.Insert(key, val, tok)
	require.NoError(t, err)
	require.True(t, tok.HasValue())
	return newly
}

func mustLookup(t *testing.T, tr *Patricia, key []byte) []byte {
	rt := tr.NewReaderToken()
	rt.Acquire()
	defer func() {
		rt.Release()
		rt.Dispose()
	}()
	if !tr.Lookup(key, rt) {
		return nil
	}
	return append([]byte(nil), rt.Value()...)
}

func TestInsertLookup(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()

	assert.True(t, mustInsert(t, tr, wtok, []byte("a"), leU32(1)))
	assert.True(t, mustInsert(t, tr, wtok, []byte("ab"), leU32(2)))
	assert.True(t, mustInsert(t, tr, wtok, []byte("b"), leU32(3)))

	assert.Equal(t, uint64(3), tr.NumWords())
	assert.Equal(t, leU32(1), mustLookup(t, tr, []byte("a")))
	assert.Equal(t, leU32(2), mustLookup(t, tr, []byte("ab")))
	assert.Equal(t, leU32(3), mustLookup(t, tr, []byte("b")))
	assert.Nil(t, mustLookup(t, tr, []byte("")))
	assert.Nil(t, mustLookup(t, tr, []byte("ba")))
	assert.Nil(t, mustLookup(t, tr, []byte("abc")))

	assert.GreaterOrEqual(t, tr.TrieStat().Sum(), uint64(3))

	wtok.Release()
	wtok.Dispose()
	require.NoError(t, tr.Close())
}

func TestInsertSplit(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	mustInsert(t, tr, wtok, []byte("apple"), leU32(1))
	mustInsert(t, tr, wtok, []byte("apply"), leU32(2))
	// 终止在既有边内部，恰好劈一次
	mustInsert(t, tr, wtok, []byte("app"), leU32(3))

	st := tr.TrieStat()
	assert.Equal(t, uint64(1), st.NSplit)
	assert.Equal(t, uint64(1), st.NFork)
	assert.Equal(t, uint64(3), tr.NumWords())
	assert.Equal(t, leU32(3), mustLookup(t, tr, []byte("app")))
	assert.Equal(t, leU32(1), mustLookup(t, tr, []byte("apple")))
	assert.Nil(t, mustLookup(t, tr, []byte("ap")))
}

func TestInsertEmptyKey(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	assert.True(t, mustInsert(t, tr, wtok, []byte{}, leU32(7)))
	assert.True(t, mustInsert(t, tr, wtok, []byte("x"), leU32(8)))
	assert.Equal(t, uint64(2), tr.NumWords())
	assert.Equal(t, leU32(7), mustLookup(t, tr, []byte{}))
	assert.Equal(t, leU32(8), mustLookup(t, tr, []byte("x")))
}

func TestInsertExisting(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	require.True(t, mustInsert(t, tr, wtok, []byte("key"), leU32(1)))
	ver := tr.Verseq()
	// 重复插入不改写旧值，token指向既有值槽
	assert.False(t, mustInsert(t, tr, wtok, []byte("key"), leU32(2)))
	assert.Equal(t, ver, tr.Verseq())
	assert.Equal(t, uint64(1), tr.NumWords())
	assert.Equal(t, leU32(1), mustLookup(t, tr, []byte("key")))
}

func TestUpsertExisting(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	require.True(t, mustInsert(t, tr, wtok, []byte("key"), leU32(1)))
	ver := tr.Verseq()

	// 覆盖走CAS重新发布：新值槽生效，verseq推进，词数不变
	wtok.Update()
	newly, err := tr.Upsert([]byte("key"), leU32(2), wtok)
	wtok.Idle()
	require.NoError(t, err)
	assert.False(t, newly)
	require.True(t, wtok.HasValue())
	assert.Greater(t, tr.Verseq(), ver)
	assert.Equal(t, uint64(1), tr.NumWords())
	assert.Equal(t, leU32(2), mustLookup(t, tr, []byte("key")))

	// 不存在的键退化成普通插入
	wtok.Update()
	newly, err = tr.Upsert([]byte("key2"), leU32(3), wtok)
	wtok.Idle()
	require.NoError(t, err)
	assert.True(t, newly)
	assert.Equal(t, uint64(2), tr.NumWords())
	assert.Equal(t, leU32(3), mustLookup(t, tr, []byte("key2")))
}

func TestInsertLongKey(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	// 超过单边上限，内部拆成链
	long := make([]byte, 1000)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	mustInsert(t, tr, wtok, long, leU32(42))
	mustInsert(t, tr, wtok, long[:700], leU32(43))
	assert.Equal(t, leU32(42), mustLookup(t, tr, long))
	assert.Equal(t, leU32(43), mustLookup(t, tr, long[:700]))
	assert.Nil(t, mustLookup(t, tr, long[:701]))
}

func TestFanoutPromotion(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	// 越过小fanout形态的上限，答案不能变
	for i := 0; i < 20; i++ {
		key := []byte{'k', byte('a' + i)}
		mustInsert(t, tr, wtok, key, leU32(uint32(i)))
	}
	for i := 0; i < 20; i++ {
		key := []byte{'k', byte('a' + i)}
		assert.Equal(t, leU32(uint32(i)), mustLookup(t, tr, key))
	}
	assert.Nil(t, mustLookup(t, tr, []byte{'k', 'z'}))
	assert.Equal(t, uint64(20), tr.NumWords())
}

func TestVerseqMonotonic(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	prev := tr.Verseq()
	for i := 0; i < 32; i++ {
		mustInsert(t, tr, wtok, []byte(fmt.Sprintf("key-%02d", i)), leU32(uint32(i)))
		cur := tr.Verseq()
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestValueSizeMismatch(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	_, err := tr.Insert([]byte("k"), []byte("toolong"), wtok)
	assert.True(t, errors.Is(err, utils.ErrValueSize))
	assert.Zero(t, tr.NumWords())
}

func TestZeroValsize(t *testing.T) {
	tr := newTestTrie(t, 0, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	// 只存键的集合形态
	assert.True(t, mustInsert(t, tr, wtok, []byte("set-member"), nil))
	rt := tr.NewReaderToken()
	rt.Acquire()
	assert.True(t, tr.Lookup([]byte("set-member"), rt))
	assert.Nil(t, rt.Value())
	rt.Release()
	rt.Dispose()
}

func TestReadonlyRejectsInsert(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	mustInsert(t, tr, wtok, []byte("frozen"), leU32(1))
	tr.SetReadonly()
	assert.True(t, tr.IsReadonly())

	wtok.Update()
	_, err := tr.Insert([]byte("more"), leU32(2), wtok)
	wtok.Idle()
	assert.True(t, errors.Is(err, utils.ErrReadonly))
	assert.Equal(t, uint64(1), tr.NumWords())
	// 冻结后读不受影响
	assert.Equal(t, leU32(1), mustLookup(t, tr, []byte("frozen")))
}

func TestArenaFullRollback(t *testing.T) {
	// 容量按chunk对齐到最小一块
	tr, err := New(4, 1, OneWriteMultiRead, "")
	require.NoError(t, err)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	pad := make([]byte, 512)
	for i := range pad {
		pad[i] = byte(i)
	}
	var inserted int
	oom := false
	for i := 0; i < 100_000; i++ {
		key := append([]byte(fmt.Sprintf("big-%07d-", i)), pad...)
		wtok.Update()
		newly, err := tr.Insert(key, leU32(uint32(i)), wtok)
		require.NoError(t, err)
		require.True(t, newly)
		ok := wtok.HasValue()
		wtok.Idle()
		if !ok {
			oom = true
			break
		}
		inserted++
	}
	require.True(t, oom, "arena should run out")
	require.Greater(t, inserted, 0)
	assert.Equal(t, uint64(inserted), tr.NumWords())

	// 回滚后树保持一致，旧键照常可读
	for _, i := range []int{0, inserted / 2, inserted - 1} {
		key := append([]byte(fmt.Sprintf("big-%07d-", i)), pad...)
		assert.Equal(t, leU32(uint32(i)), mustLookup(t, tr, key))
	}
}

func TestConcurrentWriters(t *testing.T) {
	tr := newTestTrie(t, 4, MultiWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()

	const perWriter = 1000
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			wtok := tr.NewWriterToken()
			wtok.Acquire()
			wtok.Idle()
			defer func() {
				wtok.Release()
				wtok.Dispose()
			}()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-%04d", w, i))
				wtok.Update()
				newly, err := tr.Insert(key, leU32(uint32(i)), wtok)
				if err != nil || !newly || !wtok.HasValue() {
					wtok.Idle()
					t.Errorf("insert %s: newly=%v err=%v", key, newly, err)
					return
				}
				wtok.Idle()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(2*perWriter), tr.NumWords())
	for w := 0; w < 2; w++ {
		for i := 0; i < perWriter; i += 97 {
			key := []byte(fmt.Sprintf("w%d-%04d", w, i))
			assert.Equal(t, leU32(uint32(i)), mustLookup(t, tr, key))
		}
	}
}

func TestConcurrentReadDuringWrite(t *testing.T) {
	tr := newTestTrie(t, 4, MultiWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wtok := tr.NewWriterToken()
		wtok.Acquire()
		wtok.Idle()
		defer func() {
			wtok.Release()
			wtok.Dispose()
		}()
		for i := 0; i < 5000; i++ {
			wtok.Update()
			_, err := tr.Insert([]byte(fmt.Sprintf("live-%05d", i)), leU32(uint32(i)), wtok)
			wtok.Idle()
			if err != nil {
				t.Error(err)
				return
			}
		}
		close(done)
	}()

	// 读者无锁快照：命中的值必须自洽
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt := tr.NewReaderToken()
		rt.Acquire()
		rt.Idle()
		defer func() {
			rt.Release()
			rt.Dispose()
		}()
		for {
			select {
			case <-done:
				return
			default:
			}
			rt.Update()
			for i := 0; i < 5000; i += 251 {
				key := []byte(fmt.Sprintf("live-%05d", i))
				if tr.Lookup(key, rt) {
					got := binary.LittleEndian.Uint32(rt.Value())
					if got != uint32(i) {
						t.Errorf("key %s: got %d", key, got)
					}
				}
			}
			rt.Idle()
		}
	}()
	wg.Wait()
}

func TestRandomKeys(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	inserted := map[string]uint32{}
	for i := 0; len(inserted) < 300; i++ {
		key := utils.RandBytesChar(1 + i%24)
		if _, dup := inserted[string(key)]; dup {
			continue
		}
		mustInsert(t, tr, wtok, key, leU32(uint32(i)))
		inserted[string(key)] = uint32(i)
	}
	require.Equal(t, uint64(len(inserted)), tr.NumWords())
	for k, v := range inserted {
		assert.Equal(t, leU32(v), mustLookup(t, tr, []byte(k)))
	}

	// 遍历必须按字节序吐出全部键
	it := tr.NewIterator()
	it.Acquire()
	defer func() {
		it.Release()
		it.Dispose()
	}()
	var prev []byte
	n := 0
	for ok := it.SeekBegin(); ok; ok = it.Incr() {
		if n > 0 {
			assert.Negative(t, bytes.Compare(prev, it.Word()))
		}
		prev = append(prev[:0], it.Word()...)
		n++
	}
	assert.Equal(t, len(inserted), n)
}

func TestMemStatSnapshot(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	defer func() {
		wtok.Release()
		wtok.Dispose()
	}()

	for i := 0; i < 500; i++ {
		mustInsert(t, tr, wtok, []byte(fmt.Sprintf("stat-%03d", i)), leU32(uint32(i)))
	}
	tr.SyncStat()
	ms := tr.MemGetStat()
	assert.Equal(t, tr.MemSize(), ms.UsedSize)
	assert.NotZero(t, ms.UsedSize)
	assert.Equal(t, uint64(8), tr.MemAlignSize())
}
