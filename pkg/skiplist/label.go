package skiplist

import (
	"encoding/binary"
	"encoding/hex"
	"math/bits"
	"strings"

	"github.com/tchajed/marshal"
	"github.com/zeebo/blake3"
)

const (
	// NegInf is the sentinel key that sorts before every pathname. Its tower
	// spans every level, and its top node is the root of the list.
	NegInf = "-INF"

	// PosInf is the sentinel key that sorts after every pathname. It has no
	// nodes. Servers may still send a path for it, which is ignored.
	PosInf = "+INF"

	// MaxHeight is the number of levels in the list.
	MaxHeight = 16

	// LabelLen is the length in bytes of a node label.
	LabelLen = 32

	labelDomain = "vaultsync/skiplist/v1"
)

// ComparePathnames orders keys bytewise, with NegInf before and PosInf after
// every other key.
func ComparePathnames(a, b string) int {
	if a == b {
		return 0
	}

	switch {
	case a == NegInf || b == PosInf:
		return -1
	case a == PosInf || b == NegInf:
		return 1
	}
	return strings.Compare(a, b)
}

// IsSentinel returns whether `key` is one of the reserved sentinel keys.
func IsSentinel(key string) bool {
	return key == NegInf || key == PosInf
}

// Height returns the height of the tower for `key`.
func Height(key string) int {
	if key == NegInf {
		return MaxHeight
	}

	sum := blake3.Sum256([]byte(key))
	h := 1 + bits.TrailingZeros64(binary.LittleEndian.Uint64(sum[:8]))
	if h > MaxHeight {
		return MaxHeight
	}
	return h
}

// computeLabel hashes a node. `filehash` is only set for nodes at height 1,
// and missing children are passed as nil.
func computeLabel(pathname string, height int, filehash string, lower, right []byte) []byte {
	var b []byte
	b = writeField(b, []byte(labelDomain))
	b = writeField(b, []byte(pathname))
	b = marshal.WriteInt(b, uint64(height))
	b = writeField(b, []byte(filehash))
	b = writeField(b, lower)
	b = writeField(b, right)

	sum := blake3.Sum256(b)
	return sum[:]
}

func writeField(b, data []byte) []byte {
	b = marshal.WriteInt(b, uint64(len(data)))
	return marshal.WriteBytes(b, data)
}

// EncodeLabel returns the wire representation of a label.
func EncodeLabel(label []byte) string {
	return hex.EncodeToString(label)
}

func decodeLabel(s string) ([]byte, bool) {
	label, err := hex.DecodeString(s)
	if err != nil || len(label) != LabelLen {
		return nil, false
	}
	return label, true
}
