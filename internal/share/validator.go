package share

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"github.com/ckpool-go/ckpool/internal/merkle"
)

// diff1Target is the difficulty-1 target (Bitcoin's historical target for
// difficulty 1), used to convert a share hash into an sdiff value.
var diff1Target = func() *big.Int {
	t, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	return t
}()

// ShareDiff computes the difficulty of a hash: diff1Target / hash-as-big-endian-int.
func ShareDiff(hash [32]byte) float64 {
	// Header hashes are produced double-SHA-256 and compared as
	// little-endian integers per Bitcoin convention; reverse for big.Int.
	rev := reverse(hash)
	h := new(big.Int).SetBytes(rev[:])
	if h.Sign() == 0 {
		return 0
	}
	diff := new(big.Float).Quo(new(big.Float).SetInt(diff1Target), new(big.Float).SetInt(h))
	f, _ := diff.Float64()
	return f
}

func reverse(h [32]byte) [32]byte {
	var out [32]byte
	for i := range h {
		out[i] = h[31-i]
	}
	return out
}

// BuildHeader composes the 80-byte block header template: version ‖
// prevhash(LE) ‖ merkleroot(LE-as-stored) ‖ ntime ‖ nbits ‖ nonce
// (spec.md §4.3 step 4).
func BuildHeader(version uint32, prevHashLE [32]byte, merkleRoot [32]byte, ntime, nbits, nonce uint32) [80]byte {
	var h [80]byte
	binary.LittleEndian.PutUint32(h[0:4], version)
	copy(h[4:36], prevHashLE[:])
	copy(h[36:68], merkleRoot[:])
	binary.LittleEndian.PutUint32(h[68:72], ntime)
	binary.LittleEndian.PutUint32(h[72:76], nbits)
	binary.LittleEndian.PutUint32(h[76:80], nonce)
	return h
}

// Validate runs the full share-validation algorithm of spec.md §4.3 steps
// 1-5 against a single workbase view, not yet touching the duplicate set or
// EWMA bookkeeping (those are applied by the caller using the returned
// Result, since they require the broader session/workbase context).
func Validate(sub Submission, wb WorkbaseView, clientDiff, clientOldDiff float64, diffChangeJobID int64) Result {
	enonce2, err := coerceEnonce2(sub.Enonce2Hex, wb.Enonce2Len)
	if err != nil {
		return Result{Code: CodeMalformed}
	}
	ntimeBytes, err := hex.DecodeString(sub.NtimeHex)
	if err != nil || len(ntimeBytes) != 4 {
		return Result{Code: CodeMalformed}
	}
	nonceBytes, err := hex.DecodeString(sub.NonceHex)
	if err != nil || len(nonceBytes) != 4 {
		return Result{Code: CodeMalformed}
	}

	ntime := binary.BigEndian.Uint32(ntimeBytes)
	nonce := binary.BigEndian.Uint32(nonceBytes)

	coinbase := merkle.AssembleCoinbase(wb.Coinb1, wb.Enonce1Const, wb.Enonce1Var, enonce2, wb.Coinb2)
	coinbaseHash := merkle.CoinbaseTxid(coinbase)
	merkleRoot := merkle.FoldBranch(coinbaseHash, merkle.Branch(wb.MerkleBranch))

	header := BuildHeader(wb.BBVersion, wb.PrevHashLE, merkleRoot, ntime, wb.NBit, nonce)
	hash := merkle.DoubleSHA256(header[:])
	sdiff := ShareDiff(hash)

	isBlock := sdiff >= wb.NetworkDiff*blockDiffSlack

	res := Result{ShareDiff: sdiff, IsBlock: isBlock, Hash: hash, HeaderHex: hex.EncodeToString(header[:])}

	if ntime < wb.NTime || uint64(ntime) > uint64(wb.NTime)+ntimeWindow {
		res.Code = CodeNtimeInvalid
		return res
	}

	minDiff := clientDiff
	if wb.ID < diffChangeJobID && clientOldDiff > 0 && clientOldDiff < clientDiff {
		minDiff = clientOldDiff
	}
	if !isBlock && sdiff < minDiff {
		res.Code = CodeHighDiff
		return res
	}

	res.Accepted = true
	res.Code = CodeOK
	return res
}
