package merkle

import (
	"encoding/binary"
)

// CoinbaseParams is everything needed to assemble the two coinbase halves
// that flank the extranonce slot, per spec.md §4.1.
type CoinbaseParams struct {
	Height           int64
	Flags            []byte
	WallSeconds      int64
	WallNanoseconds  int64
	BrandTag         []byte
	OperatorSig      []byte // truncated to <= 38 bytes by the config loader
	Enonce1Len       int
	Enonce2Len       int
	CoinbaseValue    int64
	OperatorScript   []byte
	DonationScript   []byte // empty if no valid donation address configured
	WitnessCommitment []byte // empty unless segwit is active
}

// MaxOperatorSigLen is the spec-mandated cap on the operator signature tag
// embedded in the coinbase (spec.md §6 btcsig).
const MaxOperatorSigLen = 38

// DonationDivisor implements the 0.5% donation split of spec.md §8: donation
// = coinbasevalue / 200, operator = coinbasevalue - donation, so the two
// outputs sum to coinbasevalue exactly.
const DonationDivisor = 200

// SplitValue returns (operatorValue, donationValue) such that
// operatorValue+donationValue == value exactly. donationValue is zero when
// hasDonation is false.
func SplitValue(value int64, hasDonation bool) (operator, donation int64) {
	if !hasDonation {
		return value, 0
	}
	donation = value / DonationDivisor
	return value - donation, donation
}

// varint encodes n as a Bitcoin-style CompactSize integer.
func varint(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b
	case n <= 0xffffffff:
		b := make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

func outputScript(script []byte, value int64) []byte {
	out := make([]byte, 0, 8+1+len(script))
	v := make([]byte, 8)
	binary.LittleEndian.PutUint64(v, uint64(value))
	out = append(out, v...)
	out = append(out, varint(uint64(len(script)))...)
	out = append(out, script...)
	return out
}

// BuildCoinbase assembles coinb1/coinb2 (the pool-constructed halves that
// sandwich the client's extranonce slot) per spec.md §4.1: fixed header ‖
// height varint ‖ flags ‖ wall-second ‖ wall-nanosecond ‖ enonce placeholder
// ‖ brand tag ‖ optional operator signature ‖ outputs ‖ empty locktime.
func BuildCoinbase(p CoinbaseParams) (coinb1, coinb2 []byte) {
	script := make([]byte, 0, 64)
	script = append(script, varint(uint64(p.Height))...)
	script = append(script, p.Flags...)

	ts := make([]byte, 8)
	binary.LittleEndian.PutUint32(ts[0:4], uint32(p.WallSeconds))
	binary.LittleEndian.PutUint32(ts[4:8], uint32(p.WallNanoseconds))
	script = append(script, ts...)

	// tail follows the extranonce slot: brand tag ‖ operator signature.
	tail := append([]byte(nil), p.BrandTag...)
	sig := p.OperatorSig
	if len(sig) > MaxOperatorSigLen {
		sig = sig[:MaxOperatorSigLen]
	}
	tail = append(tail, sig...)

	scriptSigLen := len(script) + p.Enonce1Len + p.Enonce2Len + len(tail)

	// coinb1: version ‖ input count (1) ‖ prevout (null) ‖ scriptSig length
	// ‖ script-prefix, stopping right before the extranonce slot.
	coinb1 = make([]byte, 0, 64+len(script))
	coinb1 = append(coinb1, 0x01, 0x00, 0x00, 0x00) // version
	coinb1 = append(coinb1, 0x01)                   // one input
	coinb1 = append(coinb1, make([]byte, 32)...)    // null prevout hash
	coinb1 = append(coinb1, 0xff, 0xff, 0xff, 0xff) // null prevout index
	coinb1 = append(coinb1, varint(uint64(scriptSigLen))...)
	coinb1 = append(coinb1, script...)

	operatorValue, donationValue := SplitValue(p.CoinbaseValue, len(p.DonationScript) > 0)

	outCount := 1
	if donationValue > 0 {
		outCount++
	}
	if len(p.WitnessCommitment) > 0 {
		outCount++
	}

	coinb2 = make([]byte, 0, 64+len(tail))
	coinb2 = append(coinb2, tail...)
	coinb2 = append(coinb2, 0xff, 0xff, 0xff, 0xff) // sequence, closes scriptSig
	coinb2 = append(coinb2, varint(uint64(outCount))...)
	coinb2 = append(coinb2, outputScript(p.OperatorScript, operatorValue)...)
	if donationValue > 0 {
		coinb2 = append(coinb2, outputScript(p.DonationScript, donationValue)...)
	}
	if len(p.WitnessCommitment) > 0 {
		coinb2 = append(coinb2, outputScript(p.WitnessCommitment, 0)...)
	}
	coinb2 = append(coinb2, 0x00, 0x00, 0x00, 0x00) // locktime

	return coinb1, coinb2
}
