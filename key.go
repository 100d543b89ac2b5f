package treasury

import (
	"bytes"

	"github.com/pandodao/mtg/mtgpack"
)

var (
	requestPrefix    = []byte("r:")
	commitmentPrefix = []byte("c:")
	lockPrefix       = []byte("l:")
	closurePrefix    = []byte("e:")
	rolePrefix       = []byte("a:")
	propertyPrefix   = []byte("p:")
	creditPrefix     = []byte("m:")
)

func buildIndexKey(prefix []byte, values ...any) []byte {
	enc := mtgpack.NewEncoder()
	if err := enc.EncodeValues(values...); err != nil {
		panic(err)
	}

	key := make([]byte, 0, len(prefix)+len(enc.Bytes()))
	key = append(key, prefix...)
	return append(key, enc.Bytes()...)
}

func decodeIndexKey(key, prefix []byte, values ...any) error {
	b := bytes.TrimPrefix(key, prefix)
	dec := mtgpack.NewDecoder(b)
	return dec.DecodeValues(values...)
}

// prefixEnd returns the smallest key greater than every key with prefix,
// used to seek a reverse iterator to the last entry.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, 0, len(prefix)+1)
	end = append(end, prefix...)
	return append(end, 0xff)
}
