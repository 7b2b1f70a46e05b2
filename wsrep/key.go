package wsrep

// KeyAccess is the mode under which a transaction touched a key.
type KeyAccess uint8

const (
	KeyShared KeyAccess = iota
	KeyExclusive
)

func (a KeyAccess) String() string {
	if a == KeyExclusive {
		return "exclusive"
	}
	return "shared"
}

// Key is a single certification key extracted from a writeset. Keys carry a
// version byte so that different key encodings (eg different numbers of
// parts, or a different hash width) can coexist in the same index; equality
// is purely structural over the canonical encoded form, never over the
// version byte alone.
type Key struct {
	Version byte
	Access  KeyAccess
	Canon   string // canonical byte-encoded form, comparable and mappable.
}

// Equal reports structural equality: same version and same canonical bytes.
// Access mode is deliberately excluded — the same key touched shared by one
// writeset and exclusive by another is still "the same key" for indexing.
func (k Key) Equal(o Key) bool {
	return k.Version == o.Version && k.Canon == o.Canon
}

// NewKey builds a Key from raw, already-canonicalized bytes.
func NewKey(version byte, access KeyAccess, canon []byte) Key {
	return Key{Version: version, Access: access, Canon: string(canon)}
}
