// Package merkle builds the merkle branch of a block template and
// assembles/reassembles the coinbase transaction halves a workbase hands to
// clients in coinb1/coinb2 form.
package merkle

import "crypto/sha256"

// DoubleSHA256 is the hash primitive used throughout the stratum wire
// format: header hashing, merkle reduction, and share-hash computation all
// reduce to this.
func DoubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Branch is the set of sibling hashes needed to fold a coinbase txid up to
// the block's merkle root, in bottom-to-top order.
type Branch [][32]byte

// BuildBranch reduces a list of transaction ids (the coinbase excluded;
// callers pass every non-coinbase tx in block order) to a merkle branch
// relative to slot 0, the implicit coinbase position. Each level with an
// odd number of nodes duplicates its last entry before pairing, matching
// the Bitcoin merkle-tree convention.
func BuildBranch(txids [][32]byte) Branch {
	// level[0] is a placeholder standing in for the coinbase; its value is
	// never read, only its position, since the caller folds the real
	// coinbase hash in afterwards via FoldBranch.
	level := make([][32]byte, 0, len(txids)+1)
	level = append(level, [32]byte{})
	level = append(level, txids...)

	idx := 0
	branch := make(Branch, 0, 16)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		sibling := idx ^ 1
		branch = append(branch, level[sibling])

		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = DoubleSHA256(concat(level[2*i][:], level[2*i+1][:]))
		}
		level = next
		idx /= 2
	}
	return branch
}

// FoldBranch reduces a coinbase hash through a precomputed branch to
// produce the merkle root that goes into the 80-byte header template.
func FoldBranch(coinbaseHash [32]byte, branch Branch) [32]byte {
	root := coinbaseHash
	for _, sibling := range branch {
		root = DoubleSHA256(concat(root[:], sibling[:]))
	}
	return root
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// AssembleCoinbase reconstructs the full coinbase transaction bytes from
// its two halves and the extranonce slot a client announced, per spec.md
// §4.3 step 3: coinb1 ‖ enonce1_const ‖ enonce1_var ‖ enonce2 ‖ coinb2.
func AssembleCoinbase(coinb1, enonce1Const, enonce1Var, enonce2, coinb2 []byte) []byte {
	out := make([]byte, 0, len(coinb1)+len(enonce1Const)+len(enonce1Var)+len(enonce2)+len(coinb2))
	out = append(out, coinb1...)
	out = append(out, enonce1Const...)
	out = append(out, enonce1Var...)
	out = append(out, enonce2...)
	out = append(out, coinb2...)
	return out
}

// CoinbaseTxid returns the coinbase transaction's txid (double-SHA-256 of
// its serialized bytes). Witness data, if any, does not enter the legacy
// txid used for the merkle root.
func CoinbaseTxid(coinbase []byte) [32]byte {
	return DoubleSHA256(coinbase)
}
