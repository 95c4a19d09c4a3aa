//go:build debug

package mempool

// debug构建下把新分配的块填成0xCC，读到它说明用了未初始化内存
func debugFillAlloc(buf []byte) {
	for i := range buf {
		buf[i] = 0xCC
	}
}

// 释放的块填0xDD，use-after-free会读到它
func debugFillFree(buf []byte) {
	for i := range buf {
		buf[i] = 0xDD
	}
}
