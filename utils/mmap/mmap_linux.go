package mmap

import "os"

// hugepage申请策略
const (
	HugeNone = iota
	HugeMmap
	HugeTransparent
)

func Mmap(fd *os.File, writable bool, size int64) ([]byte, error) {
	return mmap(fd, writable, size)
}

// 匿名预留一段虚拟地址，供arena当作基址稳定的buffer
func MmapAnon(size int64, huge int) ([]byte, error) {
	buf, err := mmapAnon(size, huge == HugeMmap)
	if err != nil {
		return nil, err
	}
	if huge == HugeTransparent {
		// 透明大页只是建议，失败也不影响映射本身
		_ = madviseHugepage(buf)
	}
	return buf, nil
}

// 取消一块内存区域的映射
func Munmap(buffer []byte) error {
	return munmap(buffer)
}

// 表示对磁盘的读进行优化（随机读或者顺序读，默认都优化）
func Madvise(buffer []byte, readahead bool) error {
	return madvise(buffer, readahead)
}

// 显式提交预留的虚拟页
func Populate(buffer []byte, pageSize int) error {
	return populate(buffer, pageSize)
}

// 表示将内存修改同步到磁盘
func Msync(buffer []byte) error {
	return msyc(buffer)
}

// 对磁盘进行重新的内存映射，将buffer映射到新区域，新区域的大小为size
func Mremap(buffer []byte, size int) ([]byte, error) {
	return mremap(buffer, size)
}
