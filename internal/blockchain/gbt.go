package blockchain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ckpool-go/ckpool/internal/workbase"
)

// getBlockTemplateResult is the subset of bitcoind's getblocktemplate
// response the Workbase Manager needs (spec.md §4.1 regenerate).
type getBlockTemplateResult struct {
	Version           uint32               `json:"version"`
	PreviousBlockHash string               `json:"previousblockhash"`
	Transactions      []gbtTransaction     `json:"transactions"`
	CoinbaseValue     int64                `json:"coinbasevalue"`
	Bits              string               `json:"bits"`
	Height            int64                `json:"height"`
	CurTime           int64                `json:"curtime"`
	Rules             []string             `json:"rules"`
	DefaultWitnessCommitment string        `json:"default_witness_commitment"`
}

type gbtTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

func (g *getBlockTemplateResult) toTemplate() (*workbase.Template, error) {
	// bitcoind displays previousblockhash already byte-reversed into
	// "big-endian" human-readable form; the header's wire form is the
	// straight byte-reversal of that display string.
	prevBE, err := hexToRaw32(g.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("blockchain: previousblockhash: %w", err)
	}
	prevLE, err := decodeHash(g.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("blockchain: previousblockhash raw: %w", err)
	}

	bits, err := strconv.ParseUint(g.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("blockchain: malformed bits %q: %w", g.Bits, err)
	}

	target := bitsToTarget(uint32(bits))
	netDiff := bitsToDifficulty(uint32(bits))

	txs := make([]workbase.TemplateTx, 0, len(g.Transactions))
	for _, tx := range g.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("blockchain: malformed transaction data: %w", err)
		}
		txidHex := tx.Txid
		if txidHex == "" {
			txidHex = tx.Hash
		}
		txid, err := decodeHash(txidHex)
		if err != nil {
			return nil, fmt.Errorf("blockchain: malformed txid: %w", err)
		}
		txs = append(txs, workbase.TemplateTx{Hash: txid, Data: raw})
	}

	var witness []byte
	segwit := false
	for _, r := range g.Rules {
		if r == "segwit" || r == "!segwit" {
			segwit = true
		}
	}
	if g.DefaultWitnessCommitment != "" {
		witness, err = hex.DecodeString(g.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("blockchain: malformed default_witness_commitment: %w", err)
		}
	}

	curTime := g.CurTime
	if curTime == 0 {
		curTime = time.Now().Unix()
	}

	return &workbase.Template{
		Height:                   g.Height,
		PrevHashBE:               prevBE,
		PrevHashLE:               prevLE,
		Bits:                     uint32(bits),
		DiffTarget:               target,
		NetworkDiff:              netDiff,
		Version:                  g.Version,
		CurTime:                  uint32(curTime),
		CoinbaseValue:            g.CoinbaseValue,
		Rules:                    g.Rules,
		Transactions:             txs,
		SegwitActive:             segwit,
		DefaultWitnessCommitment: witness,
	}, nil
}

// hexToRaw32 decodes a hex string straight, byte for byte, with no
// reversal — giving the "BE" display form bitcoind itself hands back.
func hexToRaw32(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("malformed hash %q", hexStr)
	}
	copy(out[:], raw)
	return out, nil
}

// bitsToTarget expands a compact "nBits" field into its 256-bit target.
func bitsToTarget(bits uint32) [32]byte {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff

	var target [32]byte
	if exponent <= 3 {
		v := mantissa >> (8 * (3 - exponent))
		target[29] = byte(v >> 16)
		target[30] = byte(v >> 8)
		target[31] = byte(v)
		return target
	}
	shift := int(exponent) - 3
	idx := 32 - shift - 3
	if idx < 0 || idx+3 > 32 {
		return target
	}
	target[idx] = byte(mantissa >> 16)
	target[idx+1] = byte(mantissa >> 8)
	target[idx+2] = byte(mantissa)
	return target
}

var maxTargetDiff1 = func() *big.Int {
	v, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	return v
}()

// bitsToDifficulty converts compact nBits into the conventional
// floating-point difficulty figure (spec.md §4.1 NetworkDiff).
func bitsToDifficulty(bits uint32) float64 {
	target := bitsToTarget(bits)
	t := new(big.Int).SetBytes(target[:])
	if t.Sign() == 0 {
		return 0
	}
	diff := new(big.Float).Quo(new(big.Float).SetInt(maxTargetDiff1), new(big.Float).SetInt(t))
	f, _ := diff.Float64()
	return f
}
