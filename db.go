package cradix

import (
	"sync"

	"cradix/iterator"
	"cradix/trie"
	"cradix/utils"
	"cradix/utils/codec"

	"github.com/pkg/errors"
)

type (
	CoreAPI interface {
		Set(data *codec.Entry) error
		Get(key []byte) (*codec.Entry, error)
		Del(key []byte) error
		NewIterator(options iterator.Options) iterator.Iterator
		Info() *utils.Stats
		Close() error
	}

	Options struct {
		ValueSize uint32
		MaxMem    uint64
		Level     trie.ConcurrentLevel
		Config    string // 形如"hugepage=kMmap"
	}

	// DB是树核心的薄封装：一个常驻写者token加按需读者token
	DB struct {
		opt   *Options
		trie  *trie.Patricia
		stats *utils.Stats

		wmu  sync.Mutex
		wtok *trie.WriterToken
	}
)

func NewDefaultOptions() *Options {
	return &Options{
		ValueSize: 8,
		MaxMem:    1 << 30,
		Level:     MultiWriteMultiRead,
	}
}

// 并发级别在根包重新导出，调用方不必直接依赖trie包
const (
	NoWriteReadOnly     = trie.NoWriteReadOnly
	SingleThreadStrict  = trie.SingleThreadStrict
	SingleThreadShared  = trie.SingleThreadShared
	OneWriteMultiRead   = trie.OneWriteMultiRead
	MultiWriteMultiRead = trie.MultiWriteMultiRead
)

func Open(options *Options) (*DB, error) {
	if options == nil {
		options = NewDefaultOptions()
	}
	t, err := trie.New(options.ValueSize, options.MaxMem, options.Level, options.Config)
	if err != nil {
		return nil, err
	}
	db := &DB{opt: options, trie: t}
	db.wtok = t.NewWriterToken()
	db.wtok.Acquire()
	db.wtok.Idle()
	db.stats = utils.NewStats(t.NumWords)
	// 启动info统计
	go db.stats.StartStats()
	return db, nil
}

// OpenImage以只读模式打开一份SaveMmap产物
func OpenImage(path string) (*DB, error) {
	t, err := trie.OpenMmap(path)
	if err != nil {
		return nil, err
	}
	db := &DB{opt: &Options{ValueSize: t.GetValsize(), Level: t.Level()}, trie: t}
	db.stats = utils.NewStats(t.NumWords)
	go db.stats.StartStats()
	return db, nil
}

func (db *DB) Close() error {
	if err := db.stats.Close(); err != nil {
		return err
	}
	if db.wtok != nil {
		db.wtok.Release()
		db.wtok.Dispose()
		db.wtok = nil
	}
	return db.trie.Close()
}

// Set写入定长值。键已存在时换新值槽并CAS重新发布，并发读者
// 看不到半写的值
func (db *DB) Set(data *codec.Entry) error {
	if db.wtok == nil {
		return utils.ErrReadonly
	}
	if len(data.Value) != int(db.opt.ValueSize) {
		return errors.Wrapf(utils.ErrValueSize, "want %d got %d", db.opt.ValueSize, len(data.Value))
	}
	db.wmu.Lock()
	defer db.wmu.Unlock()
	db.wtok.Update()
	defer db.wtok.Idle()
	if _, err := db.trie.Upsert(data.Key, data.Value, db.wtok); err != nil {
		return err
	}
	if !db.wtok.HasValue() {
		return utils.ErrArenaFull
	}
	return nil
}

func (db *DB) Get(key []byte) (*codec.Entry, error) {
	tok := db.trie.NewReaderToken()
	tok.Acquire()
	defer func() {
		tok.Release()
		tok.Dispose()
	}()
	if !db.trie.Lookup(key, tok) {
		return nil, utils.ErrKeyNotFound
	}
	val := append([]byte(nil), tok.Value()...)
	return codec.NewEntry(key, val), nil
}

// 结构性删除不在能力范围内，需要删除走冻结后重建
func (db *DB) Del(key []byte) error {
	return utils.ErrNotSupport
}

func (db *DB) Info() *utils.Stats {
	return db.stats
}

// Trie暴露底层树，token、迭代器和持久化的高级用法从这里走
func (db *DB) Trie() *trie.Patricia {
	return db.trie
}
