//go:build !debug

package mempool

func debugFillAlloc(buf []byte) {}

func debugFillFree(buf []byte) {}
