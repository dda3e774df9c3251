package lsh

import (
	"encoding/binary"

	"github.com/tracecluster/tracecluster/pkg/minhash"
)

// hashValueSize is the number of bytes each signature slot occupies in a
// bucket key.
const hashValueSize = 8

// bucketKey encodes a run of signature slots as a fixed-width big-endian
// string. The key of the first r slots is a byte prefix of the key of any
// longer run starting at the same slot, which the forest relies on.
func bucketKey(slots minhash.Signature) string {
	buf := make([]byte, hashValueSize*len(slots))
	for i, v := range slots {
		binary.BigEndian.PutUint64(buf[i*hashValueSize:], v)
	}
	return string(buf)
}
