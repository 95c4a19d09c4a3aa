package cradix

import (
	"bytes"

	"cradix/iterator"
	"cradix/trie"
	"cradix/utils/codec"
)

// dbIterator把树迭代器适配成通用迭代接口。底层token在Close前
// 一直持有，路径引用的节点不会被回收
type dbIterator struct {
	it  *trie.Iterator
	opt iterator.Options
}

func (db *DB) NewIterator(options iterator.Options) iterator.Iterator {
	it := db.trie.NewIterator()
	it.Acquire()
	di := &dbIterator{it: it, opt: options}
	di.Rewind()
	return di
}

func (di *dbIterator) Rewind() {
	if di.opt.IsAsc {
		if len(di.opt.Prefix) == 0 {
			di.it.SeekBegin()
		} else {
			di.it.SeekLowerBound(di.opt.Prefix)
		}
		return
	}
	di.it.SeekEnd()
}

func (di *dbIterator) Next() {
	if di.opt.IsAsc {
		di.it.Incr()
	} else {
		di.it.Decr()
	}
}

func (di *dbIterator) Valid() bool {
	if !di.it.Ok() {
		return false
	}
	if len(di.opt.Prefix) == 0 {
		return true
	}
	return bytes.HasPrefix(di.it.Word(), di.opt.Prefix)
}

func (di *dbIterator) Seek(key []byte) {
	di.it.SeekLowerBound(key)
}

// Item拷出键值，生命周期与迭代器移动无关
func (di *dbIterator) Item() iterator.Item {
	key := append([]byte(nil), di.it.Word()...)
	val := append([]byte(nil), di.it.Value()...)
	return codec.NewEntry(key, val)
}

func (di *dbIterator) Close() error {
	di.it.Release()
	di.it.Dispose()
	return nil
}
