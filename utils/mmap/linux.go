package mmap

import (
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/unix"
)

// 将文件直接映射到用户内存区域，不切换到内核态，减少空间的转换
func mmap(fd *os.File, writable bool, size int64) ([]byte, error) {
	// 默认限定内存只读
	mtype := unix.PROT_READ
	if writable {
		mtype |= unix.PROT_WRITE
	}
	// 表示这块内存区域所有进程共享
	return unix.Mmap(int(fd.Fd()), 0, int(size), mtype, unix.MAP_SHARED)
}

// 匿名映射一段私有虚拟地址，只保留不占用物理页，arena用它做基址稳定的预留
func mmapAnon(size int64, hugetlb bool) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	if hugetlb {
		flags |= unix.MAP_HUGETLB
	}
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil && hugetlb {
		// 系统没有预留hugetlb页时回退到普通页
		flags &^= unix.MAP_HUGETLB
		buf, err = unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	}
	return buf, err
}

// 将内存中重新映射页面，替代munmap+mmap
func mremap(data []byte, size int) ([]byte, error) {
	const MREMAP_MAYMOVE = 0x1
	header := (*reflect.SliceHeader)(unsafe.Pointer(&data))
	mmapAddr, _, errno := unix.Syscall6(
		unix.SYS_MREMAP,
		header.Data,
		uintptr(header.Len),
		uintptr(size),
		uintptr(MREMAP_MAYMOVE),
		0,
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	header.Data = mmapAddr
	header.Cap = size
	header.Len = size
	return data, nil
}

// 取消内存映射
func munmap(buffer []byte) error {
	if len(buffer) == 0 || len(buffer) != cap(buffer) {
		return unix.EINVAL
	}
	_, _, errno := unix.Syscall(
		unix.SYS_MUNMAP,
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(len(buffer)),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func madvise(buffer []byte, readahead bool) error {
	flags := unix.MADV_NORMAL
	if !readahead {
		flags = unix.MADV_RANDOM
	}
	return unix.Madvise(buffer, flags)
}

// 提示内核对这段区域使用透明大页
func madviseHugepage(buffer []byte) error {
	return unix.Madvise(buffer, unix.MADV_HUGEPAGE)
}

// 显式提交一段虚拟内存。MADV_POPULATE_WRITE是5.14内核的新特性，
// 老内核返回EINVAL，回退成逐页写零触发缺页
func populate(buffer []byte, pageSize int) error {
	const MADV_POPULATE_WRITE = 23
	err := unix.Madvise(buffer, MADV_POPULATE_WRITE)
	for err == unix.EAGAIN {
		err = unix.Madvise(buffer, MADV_POPULATE_WRITE)
	}
	if err == nil {
		return nil
	}
	if err != unix.EINVAL {
		return err
	}
	for pos := 0; pos < len(buffer); pos += pageSize {
		buffer[pos] = 0
	}
	return nil
}

func msyc(buffer []byte) error {
	return unix.Msync(buffer, unix.MS_SYNC)
}
