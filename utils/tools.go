package utils

import (
	"encoding/binary"
	"log"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// false中断
func AssertTrue(b bool) {
	// 函数调用栈的错误信息
	if !b {
		log.Fatalf("%+v", errors.Errorf("Assert failed"))
	}
}

func BytesToU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func U64ToBytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// 镜像文件的校验和
func CalCheckSum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

func VerifyCheckSum(data []byte, expected []byte) error {
	actual := xxhash.Sum64(data)
	expectedU64 := BytesToU64(expected)
	if actual != expectedU64 {
		return errors.Wrapf(ErrBadChecksum, "actual: %d, expected: %d", actual, expectedU64)
	}
	return nil
}

// 向上对齐到align，align必须为2的幂
func Pow2AlignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

func Pow2AlignDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}
