package trie

// ConcurrentLevel声明一棵树允许的并发能力，构造后不可变
type ConcurrentLevel uint8

const (
	NoWriteReadOnly ConcurrentLevel = iota
	SingleThreadStrict
	SingleThreadShared
	OneWriteMultiRead
	MultiWriteMultiRead
)

func (l ConcurrentLevel) String() string {
	switch l {
	case NoWriteReadOnly:
		return "NoWriteReadOnly"
	case SingleThreadStrict:
		return "SingleThreadStrict"
	case SingleThreadShared:
		return "SingleThreadShared"
	case OneWriteMultiRead:
		return "OneWriteMultiRead"
	case MultiWriteMultiRead:
		return "MultiWriteMultiRead"
	}
	return "Unknown"
}
