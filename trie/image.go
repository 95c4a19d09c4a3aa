package trie

import (
	"encoding/binary"
	"io"
	"os"

	"cradix/file"
	"cradix/mempool"
	"cradix/utils"

	"github.com/pkg/errors"
)

// 镜像布局：96字节头 + arena[0, used)。内部引用全是偏移，
// 文件位置无关
const (
	imageMagic      = "cradix01"
	imageHeaderSize = 96
)

// 头字段偏移
const (
	hMagic    = 0
	hValsize  = 8
	hAlign    = 12
	hLevel    = 16
	hUsed     = 24
	hVerseq   = 32
	hNumWords = 40
	hRoot     = 48
	hStat     = 56 // fork/split/markFinal/addStateMove各8字节
	hChecksum = 88
)

func (t *Patricia) buildHeader(data []byte) []byte {
	h := make([]byte, imageHeaderSize)
	copy(h[hMagic:], imageMagic)
	binary.LittleEndian.PutUint32(h[hValsize:], t.valsize)
	binary.LittleEndian.PutUint32(h[hAlign:], uint32(t.arena.AlignSize()))
	binary.LittleEndian.PutUint32(h[hLevel:], uint32(t.level))
	binary.LittleEndian.PutUint64(h[hUsed:], t.arena.Used())
	binary.LittleEndian.PutUint64(h[hVerseq:], t.verseq.Load())
	binary.LittleEndian.PutUint64(h[hNumWords:], t.numWords.Load())
	binary.LittleEndian.PutUint32(h[hRoot:], t.root)
	st := t.TrieStat()
	binary.LittleEndian.PutUint64(h[hStat:], st.NFork)
	binary.LittleEndian.PutUint64(h[hStat+8:], st.NSplit)
	binary.LittleEndian.PutUint64(h[hStat+16:], st.NMarkFinal)
	binary.LittleEndian.PutUint64(h[hStat+24:], st.NAddStateMove)
	binary.LittleEndian.PutUint64(h[hChecksum:], utils.CalCheckSum(data))
	return h
}

// SaveTo把冻结后的树写成镜像流。未冻结直接拒绝，避免存下
// 写到一半的arena
func (t *Patricia) SaveTo(w io.Writer) (int64, error) {
	if !t.readonly.Load() {
		return 0, errors.Wrap(utils.ErrReadonly, "save requires a frozen trie")
	}
	data := t.arena.Base()[:t.arena.Used()]
	h := t.buildHeader(data)
	n, err := w.Write(h)
	if err != nil {
		return int64(n), errors.Wrap(err, "write image header")
	}
	n2, err := w.Write(data)
	if err != nil {
		return int64(n + n2), errors.Wrap(err, "write image body")
	}
	return int64(n + n2), nil
}

// SaveMmap经mmap文件写镜像并msync落盘
func (t *Patricia) SaveMmap(path string) error {
	if !t.readonly.Load() {
		return errors.Wrap(utils.ErrReadonly, "save requires a frozen trie")
	}
	data := t.arena.Base()[:t.arena.Used()]
	sz := imageHeaderSize + len(data)
	mf, err := file.OpenMmapFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, sz)
	if err != nil {
		return errors.Wrapf(err, "create image %s", path)
	}
	copy(mf.Data, t.buildHeader(data))
	copy(mf.Data[imageHeaderSize:], data)
	if err := mf.Sync(); err != nil {
		_ = mf.Close()
		return errors.Wrapf(err, "sync image %s", path)
	}
	return mf.Close()
}

// OpenMmap以只读方式重开一份镜像。头不一致或偏移越界的文件拒开
func OpenMmap(path string) (*Patricia, error) {
	mf, err := file.OpenMmapFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	t, err := openImage(mf)
	if err != nil {
		_ = mf.Close()
		return nil, errors.Wrapf(err, "image %s", path)
	}
	return t, nil
}

func openImage(mf *file.MmapFile) (*Patricia, error) {
	h := mf.Data
	if len(h) < imageHeaderSize {
		return nil, utils.ErrBadMagic
	}
	if string(h[hMagic:hMagic+8]) != imageMagic {
		return nil, utils.ErrBadMagic
	}
	if binary.LittleEndian.Uint32(h[hAlign:]) != mempool.AlignSize {
		return nil, utils.ErrBadAlignSize
	}
	used := binary.LittleEndian.Uint64(h[hUsed:])
	if imageHeaderSize+used > uint64(len(mf.Data)) {
		return nil, utils.ErrCorruption
	}
	root := binary.LittleEndian.Uint32(h[hRoot:])
	if root != mempool.ListTail && unscaled(root) >= used {
		return nil, utils.ErrCorruption
	}
	data := mf.Data[imageHeaderSize : imageHeaderSize+used]
	if err := utils.VerifyCheckSum(data, utils.U64ToBytes(binary.LittleEndian.Uint64(h[hChecksum:]))); err != nil {
		return nil, err
	}
	t := &Patricia{
		arena:   mempool.NewReadonlyArena(data),
		valsize: binary.LittleEndian.Uint32(h[hValsize:]),
		level:   NoWriteReadOnly,
		root:    root,
		img:     mf,
	}
	t.verseq.Store(binary.LittleEndian.Uint64(h[hVerseq:]))
	t.numWords.Store(binary.LittleEndian.Uint64(h[hNumWords:]))
	t.statFork.Store(binary.LittleEndian.Uint64(h[hStat:]))
	t.statSplit.Store(binary.LittleEndian.Uint64(h[hStat+8:]))
	t.statMarkFinal.Store(binary.LittleEndian.Uint64(h[hStat+16:]))
	t.statAddStateMove.Store(binary.LittleEndian.Uint64(h[hStat+24:]))
	t.readonly.Store(true)
	return t, nil
}
