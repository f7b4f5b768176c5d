package crypto

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "signer", "key.json")
	require.NoError(t, SaveToKeystore(path, key, "correct horse"))

	loaded, err := LoadFromKeystore(path, "correct horse")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestKeySourcePrefersEnv(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	t.Setenv("LOANSYNCD_TEST_KEY", "0x"+hex.EncodeToString(key.Bytes()))

	loaded, err := KeySource{KeyEnv: "LOANSYNCD_TEST_KEY", KeystorePath: "/nonexistent"}.Load()
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())
}

func TestKeySourceKeystore(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, SaveToKeystore(path, key, "pw"))

	loaded, err := KeySource{
		KeystorePath: path,
		KeyEnv:       "LOANSYNCD_UNSET_KEY",
		Passphrase:   func() (string, error) { return "pw", nil },
	}.Load()
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = KeySource{}.Load()
	require.ErrorIs(t, err, ErrNoKey)
}

func TestPrivateKeyFromHexRejectsGarbage(t *testing.T) {
	_, err := PrivateKeyFromHex("")
	require.Error(t, err)
	_, err = PrivateKeyFromHex("zz")
	require.Error(t, err)
}
