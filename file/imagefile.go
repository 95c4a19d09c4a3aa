package file

import (
	"io"
	"os"
	"path/filepath"

	"cradix/utils/mmap"

	"github.com/pkg/errors"
)

// MmapFile把镜像文件整体映射进内存，Data即文件内容
type MmapFile struct {
	Data []byte
	Fd   *os.File
}

// 目录元数据落盘
func SyncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "while open dir %s", dir)
	}
	if err := df.Sync(); err != nil {
		return errors.Wrapf(err, "while sync %s", dir)
	}
	if err := df.Close(); err != nil {
		return errors.Wrapf(err, "while close %s", dir)
	}
	return nil
}

// 对fd做mmap映射并建句柄。sz大于文件长度时先truncate扩容
func NewMmapFile(fd *os.File, sz int, writable bool) (*MmapFile, error) {
	filename := fd.Name()
	fi, err := fd.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot stat file %s", filename)
	}
	fileSize := fi.Size()
	if sz > 0 && fileSize < int64(sz) {
		if err := fd.Truncate(int64(sz)); err != nil {
			return nil, errors.Wrapf(err, "truncate %s to %d", filename, sz)
		}
		fileSize = int64(sz)
	}
	buffer, err := mmap.Mmap(fd, writable, fileSize)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap file %s with size %d", filename, fileSize)
	}
	if fileSize == int64(sz) && sz > 0 {
		dir, _ := filepath.Split(filename)
		go SyncDir(dir)
	}
	return &MmapFile{
		Data: buffer,
		Fd:   fd,
	}, nil
}

// 按flag打开filename并映射。maxSz为0时映射现有文件长度
func OpenMmapFile(filename string, flag int, maxSz int) (*MmapFile, error) {
	fd, err := os.OpenFile(filename, flag, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", filename)
	}
	writable := flag&os.O_RDWR != 0 || flag&os.O_WRONLY != 0
	if fi, err := fd.Stat(); err == nil && maxSz == 0 {
		maxSz = int(fi.Size())
	}
	return NewMmapFile(fd, maxSz, writable)
}

type mmapReader struct {
	Data   []byte
	offset int
}

func (mr *mmapReader) Read(buf []byte) (int, error) {
	if mr.offset > len(mr.Data) {
		return 0, io.EOF
	}
	n := copy(buf, mr.Data[mr.offset:])
	mr.offset += n
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MmapFile) NewReader(offset int) io.Reader {
	return &mmapReader{
		Data:   m.Data,
		offset: offset,
	}
}

func (m *MmapFile) Bytes(off, sz int) ([]byte, error) {
	if len(m.Data[off:]) < sz {
		return nil, io.EOF
	}
	return m.Data[off : off+sz], nil
}

func (m *MmapFile) Sync() error {
	if m == nil {
		return nil
	}
	return mmap.Msync(m.Data)
}

// 重设文件长度并重映射
func (m *MmapFile) Truncature(n int64) error {
	if err := m.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", m.Fd.Name())
	}
	if err := m.Fd.Truncate(n); err != nil {
		return errors.Wrapf(err, "truncate %s", m.Fd.Name())
	}
	var err error
	m.Data, err = mmap.Mremap(m.Data, int(n))
	return err
}

func (m *MmapFile) Close() error {
	if m.Fd == nil {
		return nil
	}
	if err := m.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", m.Fd.Name())
	}
	if err := mmap.Munmap(m.Data); err != nil {
		return errors.Wrapf(err, "munmap %s", m.Fd.Name())
	}
	return m.Fd.Close()
}

func (m *MmapFile) Delete() error {
	if m.Fd == nil {
		return nil
	}
	name := m.Fd.Name()
	if err := mmap.Munmap(m.Data); err != nil {
		return errors.Wrapf(err, "munmap %s", name)
	}
	if err := m.Fd.Close(); err != nil {
		return errors.Wrapf(err, "close %s", name)
	}
	return os.Remove(name)
}
