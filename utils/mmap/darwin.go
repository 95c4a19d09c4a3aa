package mmap

// import (
// 	"os"
//
// 	"golang.org/x/sys/unix"
// )

// /*darwin下没有mremap和MADV_POPULATE_WRITE，预留区域只能重新映射*/

// func mmap(fd *os.File, writable bool, size int64) ([]byte, error) {
// 	mtype := unix.PROT_READ
// 	if writable {
// 		mtype |= unix.PROT_WRITE
// 	}
// 	return unix.Mmap(int(fd.Fd()), 0, int(size), mtype, unix.MAP_SHARED)
// }

// func mmapAnon(size int64, hugetlb bool) ([]byte, error) {
// 	flags := unix.MAP_PRIVATE | unix.MAP_ANON
// 	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
// }

// func munmap(buffer []byte) error {
// 	return unix.Munmap(buffer)
// }

// func populate(buffer []byte, pageSize int) error {
// 	for pos := 0; pos < len(buffer); pos += pageSize {
// 		buffer[pos] = 0
// 	}
// 	return nil
// }

// func msyc(buffer []byte) error {
// 	return unix.Msync(buffer, unix.MS_SYNC)
// }
