package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validJSON(extra string) string {
	base := `{
		"btcd": [{"url":"127.0.0.1:8332","auth":"user","pass":"pass","notify":true}],
		"serverurl": "0.0.0.0:3333",
		"btcaddress": "1PoolAddressXXXXXXXXXXXXXXXXXXXXXX",
		"logdir": "/var/log/ckpool"
	}`
	if extra == "" {
		return base
	}
	return strings.TrimSuffix(base, "}") + "," + extra + "}"
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validJSON("")))
	require.NoError(t, err)
	require.Equal(t, defaultNonce1Len, cfg.Nonce1Length)
	require.Equal(t, defaultNonce2Len, cfg.Nonce2Length)
	require.Equal(t, defaultUpdateInterval, cfg.UpdateIntervalSeconds)
	require.Equal(t, []string{"0.0.0.0:3333"}, cfg.ServerURL)
}

func TestParseServerURLArray(t *testing.T) {
	raw := `{
		"btcd": [{"url":"127.0.0.1:8332","auth":"u","pass":"p"}],
		"serverurl": ["0.0.0.0:3333", "[::]:3333"],
		"btcaddress": "1abc",
		"logdir": "/var/log/ckpool"
	}`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, []string{"0.0.0.0:3333", "[::]:3333"}, cfg.ServerURL)
}

func TestParseTruncatesOversizedSignature(t *testing.T) {
	longSig := strings.Repeat("x", 60)
	cfg, err := Parse([]byte(validJSON(`"btcsig":"` + longSig + `"`)))
	require.NoError(t, err)
	require.Len(t, cfg.BTCSig, maxSigBytes)
}

func TestParseRejectsNonceOutOfRange(t *testing.T) {
	_, err := Parse([]byte(validJSON(`"nonce2length":1`)))
	require.Error(t, err)

	_, err = Parse([]byte(validJSON(`"nonce2length":9`)))
	require.Error(t, err)
}

func TestParseRejectsMinDiffAboveMaxDiff(t *testing.T) {
	_, err := Parse([]byte(validJSON(`"mindiff":10,"maxdiff":5`)))
	require.Error(t, err)
}

func TestParseRequiresUpstreamSource(t *testing.T) {
	_, err := Parse([]byte(`{"serverurl":"0.0.0.0:3333","btcaddress":"1abc","logdir":"/var/log"}`))
	require.Error(t, err)
}

func TestParseProxyModeDoesNotRequireBTCAddress(t *testing.T) {
	raw := `{
		"proxy": [{"url":"proxy.example.com:3333","auth":"u","pass":"p"}],
		"serverurl": "0.0.0.0:3333",
		"logdir": "/var/log/ckpool"
	}`
	_, err := Parse([]byte(raw))
	require.NoError(t, err)
}

func TestDetectCacheSizesNeverZero(t *testing.T) {
	sizes := DetectCacheSizes()
	require.Greater(t, sizes.TxCacheBytes, 0)
	require.Greater(t, sizes.DupeSetBytes, 0)
}
