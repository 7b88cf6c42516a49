package work

import (
	"fmt"

	"github.com/dashstratum/poolcore/pkg/util"
)

// BuildMerkleBranch computes the merkle branch for a template's
// non-coinbase transactions. txHashes are internal-byte-order 32-byte
// transaction hashes, in block order, excluding the coinbase.
//
// The algorithm treats the coinbase as a sentinel (nil) at index 0: at
// each level it records the element at index 1 as the next branch step,
// then pair-reduces from index 2 onward (duplicating the last element if
// the remainder is odd), placing a new sentinel at index 0 of the next
// level. This continues until the level has length 1. The recorded steps
// are the merkle_branch; WithFirst replays them against a chosen coinbase
// hash to produce the same root a conventional build with the coinbase at
// index 0 would produce, without recomputing the rest of the tree.
func BuildMerkleBranch(txHashes [][]byte) ([][]byte, error) {
	level := make([][]byte, 0, len(txHashes)+1)
	level = append(level, nil)
	for i, h := range txHashes {
		if len(h) != 32 {
			return nil, fmt.Errorf("tx hash %d: expected 32 bytes, got %d", i, len(h))
		}
		level = append(level, h)
	}

	var branch [][]byte
	for len(level) > 1 {
		branch = append(branch, level[1])

		rest := level[2:]
		if len(rest)%2 != 0 {
			rest = append(rest, rest[len(rest)-1])
		}

		next := make([][]byte, 0, len(rest)/2+1)
		next = append(next, nil)
		for i := 0; i < len(rest); i += 2 {
			combined := make([]byte, 0, 64)
			combined = append(combined, rest[i]...)
			combined = append(combined, rest[i+1]...)
			h := util.DoubleSHA256(combined)
			hb := make([]byte, 32)
			copy(hb, h[:])
			next = append(next, hb)
		}
		level = next
	}

	return branch, nil
}

// WithFirst replays a merkle branch against a chosen first-leaf hash
// (normally the coinbase transaction hash) to produce the merkle root:
// acc := first; for each step in branch: acc := double_sha256(acc ‖ step).
func WithFirst(first []byte, branch [][]byte) []byte {
	acc := make([]byte, len(first))
	copy(acc, first)

	for _, step := range branch {
		combined := make([]byte, 0, len(acc)+len(step))
		combined = append(combined, acc...)
		combined = append(combined, step...)
		h := util.DoubleSHA256(combined)
		acc = h[:]
	}

	return acc
}

// FullMerkleRoot independently computes the merkle root from a complete,
// ordered list of transaction hashes (coinbase first), using the
// conventional pairwise-reduction algorithm. Used to cross-check
// WithFirst's result.
func FullMerkleRoot(txids [][]byte) []byte {
	if len(txids) == 0 {
		return nil
	}

	hashes := make([][]byte, len(txids))
	for i, h := range txids {
		c := make([]byte, len(h))
		copy(c, h)
		hashes[i] = c
	}

	for len(hashes) > 1 {
		if len(hashes)%2 != 0 {
			dup := make([]byte, len(hashes[len(hashes)-1]))
			copy(dup, hashes[len(hashes)-1])
			hashes = append(hashes, dup)
		}
		var next [][]byte
		for i := 0; i < len(hashes); i += 2 {
			combined := append(append([]byte{}, hashes[i]...), hashes[i+1]...)
			h := util.DoubleSHA256(combined)
			next = append(next, h[:])
		}
		hashes = next
	}

	return hashes[0]
}
