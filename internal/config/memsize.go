package config

import "github.com/pbnjay/memory"

// txCacheFraction and dupeSetFraction are the share of detected system
// memory handed to the transaction table and duplicate-share set,
// leaving headroom for everything else the process holds in RAM.
const (
	txCacheFraction = 0.05
	dupeSetFraction = 0.01

	// fallbackTotalBytes is used when the host's total memory can't be
	// detected (memory.TotalMemory returns 0 in a container without
	// /proc/meminfo access, for instance).
	fallbackTotalBytes = 2 << 30 // 2 GiB
)

// CacheSizes are the byte budgets derived from detected system memory,
// fed into internal/txcache.New and the share validator's dupe set.
type CacheSizes struct {
	TxCacheBytes int
	DupeSetBytes int
}

// DetectCacheSizes sizes the transaction table and dupe-set caches as a
// fraction of total system memory rather than a hardcoded constant.
func DetectCacheSizes() CacheSizes {
	total := memory.TotalMemory()
	if total == 0 {
		total = fallbackTotalBytes
	}
	return CacheSizes{
		TxCacheBytes: int(float64(total) * txCacheFraction),
		DupeSetBytes: int(float64(total) * dupeSetFraction),
	}
}
