package utils

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrNotSupport  = errors.New("operation not supported")

	ErrReadonly   = errors.New("trie is readonly")
	ErrValueSize  = errors.New("value size mismatch")
	ErrTokenTrie  = errors.New("token does not belong to this trie")
	ErrTokenState = errors.New("bad token state transition")

	ErrArenaFull = errors.New("arena capacity exhausted")

	ErrBadMagic     = errors.New("bad magic")
	ErrBadChecksum  = errors.New("bad checksum")
	ErrCorruption   = errors.New("image corrupted, offset escapes used region")
	ErrBadAlignSize = errors.New("image align size mismatch")
)

// err非空panic
func Panic(err error) {
	if err != nil {
		panic(err)
	}
}

// condition true中断err
func CondPanic(condtion bool, err error) {
	if condtion {
		Panic(err)
	}
}

func Err(err error) error {
	if err != nil {
		fmt.Printf("%s %s\n", location(2, true), err)
	}
	return err
}

func location(deep int, fullPath bool) string {
	_, file, line, ok := runtime.Caller(deep)
	if !ok {
		file = "???"
		line = 0
	}

	file = filepath.Base(file)

	return file + ":" + strconv.Itoa(line)
}
