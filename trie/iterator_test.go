package trie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildIterTrie(t *testing.T, keys []string) (*Patricia, *WriterToken) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	wtok := tr.NewWriterToken()
	wtok.Acquire()
	wtok.Idle()
	for i, k := range keys {
		mustInsert(t, tr, wtok, []byte(k), leU32(uint32(i)))
	}
	return tr, wtok
}

func closeIterTrie(t *testing.T, tr *Patricia, wtok *WriterToken) {
	wtok.Release()
	wtok.Dispose()
	require.NoError(t, tr.Close())
}

var iterKeys = []string{
	"", "a", "ab", "abc", "abd", "b", "ba", "bb", "cherry",
	"cherrypie", "z", "zz",
}

func TestIteratorAscend(t *testing.T) {
	// 乱序插入，字节序遍历
	ins := append([]string(nil), iterKeys...)
	sort.Slice(ins, func(i, j int) bool { return len(ins[i]) > len(ins[j]) })
	tr, wtok := buildIterTrie(t, ins)
	defer closeIterTrie(t, tr, wtok)

	want := append([]string(nil), iterKeys...)
	sort.Strings(want)

	it := tr.NewIterator()
	it.Acquire()
	defer func() {
		it.Release()
		it.Dispose()
	}()

	var got []string
	for ok := it.SeekBegin(); ok; ok = it.Incr() {
		got = append(got, string(it.Word()))
	}
	assert.Equal(t, want, got)
	assert.False(t, it.Ok())
}

func TestIteratorDescend(t *testing.T) {
	tr, wtok := buildIterTrie(t, iterKeys)
	defer closeIterTrie(t, tr, wtok)

	want := append([]string(nil), iterKeys...)
	sort.Sort(sort.Reverse(sort.StringSlice(want)))

	it := tr.NewIterator()
	it.Acquire()
	defer func() {
		it.Release()
		it.Dispose()
	}()

	var got []string
	for ok := it.SeekEnd(); ok; ok = it.Decr() {
		got = append(got, string(it.Word()))
	}
	assert.Equal(t, want, got)
}

func TestIteratorValues(t *testing.T) {
	tr, wtok := buildIterTrie(t, iterKeys)
	defer closeIterTrie(t, tr, wtok)

	it := tr.NewIterator()
	it.Acquire()
	defer func() {
		it.Release()
		it.Dispose()
	}()

	seen := 0
	for ok := it.SeekBegin(); ok; ok = it.Incr() {
		idx := -1
		for i, k := range iterKeys {
			if k == string(it.Word()) {
				idx = i
			}
		}
		require.GreaterOrEqual(t, idx, 0)
		assert.Equal(t, uint32(idx), binary.LittleEndian.Uint32(it.Value()))
		seen++
	}
	assert.Equal(t, len(iterKeys), seen)
}

func TestIteratorSeekLowerBound(t *testing.T) {
	tr, wtok := buildIterTrie(t, iterKeys)
	defer closeIterTrie(t, tr, wtok)

	sorted := append([]string(nil), iterKeys...)
	sort.Strings(sorted)

	it := tr.NewIterator()
	it.Acquire()
	defer func() {
		it.Release()
		it.Dispose()
	}()

	lower := func(key string) string {
		for _, k := range sorted {
			if k >= key {
				return k
			}
		}
		return ""
	}

	for _, probe := range []string{
		"", "a", "aa", "ab", "abcd", "abd", "ac", "b", "b0",
		"cherr", "cherry", "cherryz", "y", "z", "za",
	} {
		require.True(t, it.SeekLowerBound([]byte(probe)), "probe %q", probe)
		assert.Equal(t, lower(probe), string(it.Word()), "probe %q", probe)
	}

	// 越过最大键
	assert.False(t, it.SeekLowerBound([]byte("zzz")))
	assert.False(t, it.Ok())
}

func TestIteratorIncrDecrInverse(t *testing.T) {
	tr, wtok := buildIterTrie(t, iterKeys)
	defer closeIterTrie(t, tr, wtok)

	it := tr.NewIterator()
	it.Acquire()
	defer func() {
		it.Release()
		it.Dispose()
	}()

	require.True(t, it.SeekLowerBound([]byte("b")))
	here := append([]byte(nil), it.Word()...)
	require.True(t, it.Incr())
	require.True(t, it.Decr())
	assert.True(t, bytes.Equal(here, it.Word()))

	require.True(t, it.Decr())
	require.True(t, it.Incr())
	assert.True(t, bytes.Equal(here, it.Word()))
}

func TestIteratorEmptyTrie(t *testing.T) {
	tr := newTestTrie(t, 4, OneWriteMultiRead)
	defer func() { require.NoError(t, tr.Close()) }()

	it := tr.NewIterator()
	it.Acquire()
	defer func() {
		it.Release()
		it.Dispose()
	}()
	assert.False(t, it.SeekBegin())
	assert.False(t, it.SeekEnd())
	assert.False(t, it.SeekLowerBound([]byte("any")))
	assert.False(t, it.Incr())
}

func TestIteratorInvalidation(t *testing.T) {
	tr, wtok := buildIterTrie(t, []string{"seed-a", "seed-b", "seed-c"})
	defer closeIterTrie(t, tr, wtok)

	it := tr.NewIterator()
	it.Acquire()
	require.True(t, it.SeekBegin())
	it.Idle()

	// 休眠期间大量结构编辑，回收越过迭代器的版本
	for i := 0; i < 200; i++ {
		mustInsert(t, tr, wtok, []byte(fmt.Sprintf("churn-%03d", i)), leU32(uint32(i)))
	}

	valid := it.Update()
	assert.False(t, valid)
	// 重新seek后恢复正常
	require.True(t, it.SeekBegin())
	n := 0
	for ok := true; ok; ok = it.Incr() {
		n++
	}
	assert.Equal(t, 203, n)

	it.Release()
	it.Dispose()
}
