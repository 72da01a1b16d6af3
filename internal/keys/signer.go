package keys

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mystikonetwork/mystiko-backend/internal/config"
	"github.com/mystikonetwork/mystiko-backend/internal/txmanager"
)

// KeystoreSigner signs with one account of a go-ethereum keystore directory.
// The account is unlocked once at construction.
type KeystoreSigner struct {
	ks      *keystore.KeyStore
	account accounts.Account
}

// NewKeystoreSigner opens dir and unlocks address. A zero address selects the
// only account in dir.
func NewKeystoreSigner(dir string, address common.Address, passphrase string) (*KeystoreSigner, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore dir is required")
	}
	if passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("keystore dir: %w", err)
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	acct, err := findAccount(ks.Accounts(), address)
	if err != nil {
		return nil, err
	}
	if err := ks.Unlock(acct, passphrase); err != nil {
		return nil, fmt.Errorf("unlock %s: %w", acct.Address.Hex(), err)
	}
	return &KeystoreSigner{ks: ks, account: acct}, nil
}

func findAccount(list []accounts.Account, address common.Address) (accounts.Account, error) {
	if address == (common.Address{}) {
		if len(list) != 1 {
			return accounts.Account{}, fmt.Errorf("keystore holds %d accounts, address is required", len(list))
		}
		return list[0], nil
	}
	for _, acct := range list {
		if acct.Address == address {
			return acct, nil
		}
	}
	return accounts.Account{}, errors.New("account not found")
}

func (s *KeystoreSigner) Address() common.Address {
	return s.account.Address
}

func (s *KeystoreSigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.ks.SignTx(s.account, tx, chainID)
}

type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &PrivateKeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

func (s *PrivateKeySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// FromConfig prefers a raw private key from keystore.private_key_env and
// falls back to the keystore directory unlocked with keystore.passphrase_env.
func FromConfig(cfg *config.Config) (txmanager.Signer, error) {
	if env := cfg.KeyStore.PrivateKeyEnv; env != "" {
		if v := os.Getenv(env); v != "" {
			return NewPrivateKeySigner(v)
		}
	}
	var address common.Address
	if a := strings.TrimSpace(cfg.KeyStore.Address); a != "" {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("keystore.address %q is not an address", a)
		}
		address = common.HexToAddress(a)
	}
	return NewKeystoreSigner(cfg.KeyStore.Dir, address, os.Getenv(cfg.KeyStore.PassphraseEnv))
}
