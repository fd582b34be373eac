// Package config loads and validates the pool's JSON configuration file
// (spec.md §6 "Configuration file"), the one place the wire-mandated
// config shape is defined, and watches it for hot-reloadable changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Config)

const (
	minNonceLen = 2
	maxNonceLen = 8
	maxSigBytes = 38

	defaultNonce1Len       = 4
	defaultNonce2Len       = 8
	defaultUpdateInterval  = 30
	defaultBlockPollMillis = 500
)

// Daemon is one upstream bitcoind entry (spec.md §6 `btcd` array entries).
// The generator connects only to the first entry; later entries are not used.
type Daemon struct {
	URL    string `json:"url"`
	Auth   string `json:"auth"`
	Pass   string `json:"pass"`
	Notify bool   `json:"notify"`
}

// Proxy is one upstream pool this instance proxies through in passthrough
// mode (spec.md §6 `proxy` array entries).
type Proxy struct {
	URL  string `json:"url"`
	Auth string `json:"auth"`
	Pass string `json:"pass"`
}

// Config is the parsed and validated pool configuration file.
type Config struct {
	BTCD  []Daemon `json:"btcd"`
	Proxy []Proxy  `json:"proxy,omitempty"`

	// ServerURL is a string or a JSON array in the file; Load normalises
	// it to a slice either way.
	ServerURL []string `json:"-"`

	BTCAddress string `json:"btcaddress"`
	BTCSig     string `json:"btcsig,omitempty"`

	BlockPollMillis int `json:"blockpoll"`

	Nonce1Length int `json:"nonce1length"`
	Nonce2Length int `json:"nonce2length"`

	UpdateIntervalSeconds int `json:"update_interval"`

	MinDiff   float64 `json:"mindiff"`
	StartDiff float64 `json:"startdiff"`
	MaxDiff   float64 `json:"maxdiff"`

	MaxClients int `json:"maxclients"`

	LogDir string `json:"logdir"`

	// ResumeRedisAddr, when set, backs the session-resume table with
	// storage.RedisResumeStore instead of the embedded KV store, so
	// multiple stratifier replicas behind one connector share one resume
	// table (spec.md §3 session table, multi-instance deployments).
	ResumeRedisAddr string `json:"resume_redis"`
	ResumeRedisDB   int    `json:"resume_redis_db"`
}

// rawConfig mirrors the on-disk shape, before ServerURL's string-or-array
// normalisation and before defaulting/validation.
type rawConfig struct {
	Config
	ServerURL json.RawMessage `json:"serverurl"`
}

// Load reads, defaults, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(body)
}

// Parse decodes raw JSON config bytes, applying defaults and validation —
// split out from Load so the hot-reload watcher and tests don't need a
// file on disk.
func Parse(body []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg := raw.Config

	urls, err := parseServerURL(raw.ServerURL)
	if err != nil {
		return nil, err
	}
	cfg.ServerURL = urls

	applyDefaults(&cfg)
	truncateSig(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseServerURL accepts spec.md §6's "string or array" shape for
// serverurl.
func parseServerURL(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("config: serverurl must be a string or array of strings: %w", err)
	}
	return many, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Nonce1Length == 0 {
		cfg.Nonce1Length = defaultNonce1Len
	}
	if cfg.Nonce2Length == 0 {
		cfg.Nonce2Length = defaultNonce2Len
	}
	if cfg.UpdateIntervalSeconds == 0 {
		cfg.UpdateIntervalSeconds = defaultUpdateInterval
	}
	if cfg.BlockPollMillis == 0 {
		cfg.BlockPollMillis = defaultBlockPollMillis
	}
}

// truncateSig enforces the 38-byte coinbase signature cap named in
// spec.md §6, logging when a configured signature had to be cut down
// rather than silently dropping the overflow at assembly time deep in
// the workbase builder.
func truncateSig(cfg *Config) {
	if len(cfg.BTCSig) > maxSigBytes {
		logger.Warn("btcsig exceeds 38 bytes, truncating", "configured_len", len(cfg.BTCSig))
		cfg.BTCSig = cfg.BTCSig[:maxSigBytes]
	}
}

func validate(cfg *Config) error {
	if len(cfg.BTCD) == 0 && len(cfg.Proxy) == 0 {
		return fmt.Errorf("config: at least one of btcd or proxy must be configured")
	}
	if len(cfg.ServerURL) == 0 {
		return fmt.Errorf("config: serverurl must be set")
	}
	if cfg.BTCAddress == "" && len(cfg.Proxy) == 0 {
		return fmt.Errorf("config: btcaddress must be set in pool mode")
	}
	if cfg.Nonce1Length < minNonceLen || cfg.Nonce1Length > maxNonceLen {
		return fmt.Errorf("config: nonce1length must be %d-%d, got %d", minNonceLen, maxNonceLen, cfg.Nonce1Length)
	}
	if cfg.Nonce2Length < minNonceLen || cfg.Nonce2Length > maxNonceLen {
		return fmt.Errorf("config: nonce2length must be %d-%d, got %d", minNonceLen, maxNonceLen, cfg.Nonce2Length)
	}
	if cfg.MinDiff > 0 && cfg.MaxDiff > 0 && cfg.MinDiff > cfg.MaxDiff {
		return fmt.Errorf("config: mindiff (%v) exceeds maxdiff (%v)", cfg.MinDiff, cfg.MaxDiff)
	}
	if cfg.MaxClients < 0 {
		return fmt.Errorf("config: maxclients cannot be negative")
	}
	if cfg.LogDir == "" {
		return fmt.Errorf("config: logdir must be set")
	}
	return nil
}
