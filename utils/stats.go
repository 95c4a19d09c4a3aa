package utils

import (
	"sync/atomic"
	"time"
)

// Stats周期性采样词数，closer负责回收后台协程
type Stats struct {
	closer   *Closer
	source   func() uint64
	EntryNum atomic.Uint64
}

func NewStats(source func() uint64) *Stats {
	s := &Stats{
		closer: NewCloser(1),
		source: source,
	}
	s.EntryNum.Store(source())
	return s
}

func (s *Stats) StartStats() {
	defer s.closer.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closer.Wait():
			return
		case <-ticker.C:
			s.EntryNum.Store(s.source())
		}
	}
}

func (s *Stats) Close() error {
	s.closer.Close()
	return nil
}
