package state_machine

type cmdKind uint8

const (
	cmdSet cmdKind = iota
	cmdGet
)

const (
	maxKeyLen   = 1024        // 1 KB
	maxValueLen = 1024 * 1024 // 1 MB
)

type command struct {
	kind  cmdKind
	key   string
	value string
}

// EncodeSet builds the payload of a command storing value under key.
func EncodeSet(key, value string) ([]byte, error) {
	return encodeCmd(command{kind: cmdSet, key: key, value: value})
}

// EncodeGet builds the payload of a command reading key.
func EncodeGet(key string) ([]byte, error) {
	return encodeCmd(command{kind: cmdGet, key: key})
}
