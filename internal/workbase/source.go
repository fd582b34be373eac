package workbase

import "context"

// Template is the parsed result of a getblocktemplate call, everything the
// manager needs to assemble a new Workbase (spec.md §4.1 regenerate).
type Template struct {
	Height        int64
	PrevHashBE    [32]byte
	PrevHashLE    [32]byte
	Bits          uint32
	DiffTarget    [32]byte
	NetworkDiff   float64
	Version       uint32
	CurTime       uint32
	CoinbaseValue int64
	Rules         []string
	Transactions  []TemplateTx
	SegwitActive  bool
	DefaultWitnessCommitment []byte
}

// TemplateTx is one non-coinbase transaction offered by the template.
type TemplateTx struct {
	Hash [32]byte
	Data []byte
}

// SubmitResult is the outcome of submitting a candidate block.
type SubmitResult struct {
	Accepted  bool
	Duplicate bool // upstream responded "duplicate"; treated as success (spec.md §8)
	Err       error
}

// Source is the BlockchainSource collaborator spec.md §1 specifies only at
// its interface: the daemon RPC surface (getblocktemplate/submitblock/
// validateaddress/...). Deliberately narrow so tests can supply a small
// hand-written fake instead of standing up a bitcoind-family daemon.
type Source interface {
	GetBlockTemplate(ctx context.Context, rules []string) (*Template, error)
	SubmitBlock(ctx context.Context, blockHex string) (*SubmitResult, error)
	ValidateAddress(ctx context.Context, address string) (bool, error)
	GetRawTransaction(ctx context.Context, hash [32]byte) ([]byte, error)
	GetBestBlockHash(ctx context.Context) ([32]byte, error)
}

// recognisedRules is the set of consensus rules the manager understands;
// any "!"-prefixed rule outside this set is rejected (spec.md §4.1).
var recognisedRules = map[string]bool{
	"csv":     true,
	"segwit":  true,
}

// unrecognisedMandatoryRule reports the first mandatory ("!"-prefixed) rule
// in rules that this pool does not implement, or "" if none.
func unrecognisedMandatoryRule(rules []string) string {
	for _, r := range rules {
		if len(r) == 0 || r[0] != '!' {
			continue
		}
		name := r[1:]
		if !recognisedRules[name] {
			return name
		}
	}
	return ""
}
