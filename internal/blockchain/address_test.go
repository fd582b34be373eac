package blockchain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	v := NewAddressValidator()

	t.Run("valid P2PKH", func(t *testing.T) {
		ok, err := v.ValidateAddress(context.Background(), "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("valid P2SH", func(t *testing.T) {
		ok, err := v.ValidateAddress(context.Background(), "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("bad checksum", func(t *testing.T) {
		ok, err := v.ValidateAddress(context.Background(), "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("not base58", func(t *testing.T) {
		ok, err := v.ValidateAddress(context.Background(), "not-an-address-0OIl")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("empty", func(t *testing.T) {
		ok, err := v.ValidateAddress(context.Background(), "")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestBase58Decode(t *testing.T) {
	out, err := base58Decode("1")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, out)

	_, err = base58Decode("0OIl")
	require.Error(t, err)
}
