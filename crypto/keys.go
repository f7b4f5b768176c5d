package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps a secp256k1 key used to sign ledger transactions.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh signing key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: key}, nil
}

// PrivateKeyFromBytes decodes a raw 32 byte secp256k1 scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: key}, nil
}

// PrivateKeyFromHex decodes a hex encoded key, with or without 0x prefix.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, errors.New("crypto: empty private key")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return PrivateKeyFromBytes(raw)
}

// Bytes returns the raw private scalar.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// Address derives the account address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return ethcrypto.PubkeyToAddress(k.PublicKey)
}
