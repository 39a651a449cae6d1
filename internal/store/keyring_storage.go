package store

import (
	"fmt"

	"github.com/99designs/keyring"
)

// KeyringStorage backs SecureStorage with the OS keychain / secret
// service via 99designs/keyring. This is the preferred backend on
// desktop platforms where a real OS keychain is available.
type KeyringStorage struct {
	ring keyring.Keyring
}

// NewKeyringStorage opens the OS keychain under the given service name.
func NewKeyringStorage(serviceName string) (*KeyringStorage, error) {
	kr, err := keyring.Open(keyring.Config{
		ServiceName:             serviceName,
		KeychainName:            serviceName,
		KWalletAppID:            serviceName,
		KWalletFolder:           serviceName,
		WinCredPrefix:           serviceName,
		LibSecretCollectionName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStorage{ring: kr}, nil
}

func (k *KeyringStorage) Get(key string) ([]byte, error) {
	item, err := k.ring.Get(key)
	if err == keyring.ErrKeyNotFound {
		return nil, newNotFoundError(key)
	}
	if err != nil {
		return nil, fmt.Errorf("keyring get %q: %w", key, err)
	}
	return item.Data, nil
}

func (k *KeyringStorage) Set(key string, value []byte) error {
	if err := k.ring.Set(keyring.Item{Key: key, Data: value}); err != nil {
		return fmt.Errorf("keyring set %q: %w", key, err)
	}
	return nil
}

func (k *KeyringStorage) Delete(key string) error {
	if err := k.ring.Remove(key); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("keyring remove %q: %w", key, err)
	}
	return nil
}
