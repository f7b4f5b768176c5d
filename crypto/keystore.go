package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore writes the provided private key to an Ethereum v3 keystore file at the given path.
// If the parent directory does not exist it will be created with 0700 permissions.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// KeySource describes where the signing key comes from. A hex key in the
// named environment variable takes precedence over the keystore file.
type KeySource struct {
	KeystorePath string
	KeyEnv       string
	Passphrase   func() (string, error)
}

// ErrNoKey reports that no signing key was configured.
var ErrNoKey = errors.New("crypto: no signing key configured")

// Load resolves the signing key.
func (s KeySource) Load() (*PrivateKey, error) {
	if env := strings.TrimSpace(s.KeyEnv); env != "" {
		if raw, ok := os.LookupEnv(env); ok && strings.TrimSpace(raw) != "" {
			key, err := PrivateKeyFromHex(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
			return key, nil
		}
	}
	if strings.TrimSpace(s.KeystorePath) == "" {
		return nil, ErrNoKey
	}
	if s.Passphrase == nil {
		return nil, errors.New("crypto: keystore passphrase source required")
	}
	passphrase, err := s.Passphrase()
	if err != nil {
		return nil, err
	}
	return LoadFromKeystore(s.KeystorePath, passphrase)
}
