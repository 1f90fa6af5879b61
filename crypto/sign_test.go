package crypto

import (
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignRecoverRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	digest := ethcrypto.Keccak256Hash([]byte("checkpoint"))

	sig, err := Sign(key, digest)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	signer, err := Recover(digest, sig)
	require.NoError(t, err)
	require.Equal(t, key.Address(), signer)
	require.True(t, VerifySigner(key.Address(), digest, sig))

	other := ethcrypto.Keccak256Hash([]byte("other"))
	require.False(t, VerifySigner(key.Address(), other, sig))
	_, err = Recover(digest, sig[:10])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAddressBech32RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()
	require.Equal(t, AccountPrefix, addr.Prefix())

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, key.Address(), decoded.Common())

	parsed, err := ParseAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, key.Address(), parsed)

	parsed, err = ParseAddress(key.Address().Hex())
	require.NoError(t, err)
	require.Equal(t, key.Address(), parsed)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "provider.json")
	require.NoError(t, SaveToKeystoreWithParams(path, key, "hunter2", LightScrypt))

	loaded, err := LoadFromKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
