package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	bolt "go.etcd.io/bbolt"
)

var (
	rootBucket = []byte("paracord")
	authBucket = []byte("paracord-auth")
)

const (
	wrappedKeyKey  = "wrapped-key"
	wrappedSaltKey = "wrapped-salt"
	deriveSaltKey  = "derive-salt"
	secretSaltKey  = "secret-salt"

	derivedPassphraseInfo = "derived-passphrase-key"
	keyEncryptionInfo     = "key-encryption-key"
	dataEncryptionInfo    = "data-encryption-key"
)

var errNoCipherMaterial = errors.New("store: no cipher material present")

// BoltStorage backs SecureStorage with an embedded bbolt file, for
// headless deployments where an OS keychain isn't available (servers,
// containers, CI). Every value is sealed at rest under a random data
// key; that data key is itself wrapped under a key derived from the
// caller's passphrase and persisted alongside it, following kamune's
// wrapped-key-encryption-key scheme, so the file on disk never holds
// the passphrase and a stolen copy is useless without it. Keys are
// left unsealed: they are fixed protocol identifiers
// ("signal:identity:seed", session pair keys, ...), never secret
// material themselves.
type BoltStorage struct {
	db     *bolt.DB
	cipher *boxCipher
}

// NewBoltStorage opens (creating if needed) a bbolt database at path,
// deriving its at-rest cipher from passphrase. The same passphrase
// must be supplied on every subsequent open.
func NewBoltStorage(path string, passphrase []byte) (*BoltStorage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0740); err != nil {
			return nil, fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(rootBucket); err != nil {
			return fmt.Errorf("creating root bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(authBucket); err != nil {
			return fmt.Errorf("creating auth bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	dataCipher, err := openCipher(passphrase, db)
	if errors.Is(err, errNoCipherMaterial) {
		dataCipher, err = createCipher(passphrase, db)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing at-rest cipher: %w", err)
	}

	return &BoltStorage{db: db, cipher: dataCipher}, nil
}

// openCipher reconstructs the data cipher from previously wrapped key
// material, failing with errNoCipherMaterial on a fresh database.
func openCipher(passphrase []byte, db *bolt.DB) (*boxCipher, error) {
	var wrapped, wrappedSalt, deriveSalt, secretSalt []byte
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)
		wrapped = b.Get([]byte(wrappedKeyKey))
		wrappedSalt = b.Get([]byte(wrappedSaltKey))
		deriveSalt = b.Get([]byte(deriveSaltKey))
		secretSalt = b.Get([]byte(secretSaltKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading cipher material: %w", err)
	}
	if wrapped == nil || wrappedSalt == nil || deriveSalt == nil || secretSalt == nil {
		return nil, errNoCipherMaterial
	}

	derivedPass, err := deriveKey(passphrase, deriveSalt, []byte(derivedPassphraseInfo), chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	keyCipher, err := newBoxCipher(derivedPass, wrappedSalt, []byte(keyEncryptionInfo))
	if err != nil {
		return nil, err
	}
	secret, err := keyCipher.open(wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key (wrong passphrase?): %w", err)
	}
	return newBoxCipher(secret, secretSalt, []byte(dataEncryptionInfo))
}

// createCipher generates a fresh random data key, wraps it under the
// passphrase-derived key, and persists the wrapped key and salts.
func createCipher(passphrase []byte, db *bolt.DB) (*boxCipher, error) {
	secret := random32Bytes()
	secretSalt := random32Bytes()
	deriveSalt := random32Bytes()
	wrappedSalt := random32Bytes()

	derivedPass, err := deriveKey(passphrase, deriveSalt, []byte(derivedPassphraseInfo), chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	keyCipher, err := newBoxCipher(derivedPass, wrappedSalt, []byte(keyEncryptionInfo))
	if err != nil {
		return nil, err
	}
	wrapped := keyCipher.seal(secret)

	dataCipher, err := newBoxCipher(secret, secretSalt, []byte(dataEncryptionInfo))
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)
		if err := b.Put([]byte(wrappedKeyKey), wrapped); err != nil {
			return err
		}
		if err := b.Put([]byte(wrappedSaltKey), wrappedSalt); err != nil {
			return err
		}
		if err := b.Put([]byte(deriveSaltKey), deriveSalt); err != nil {
			return err
		}
		return b.Put([]byte(secretSaltKey), secretSalt)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting cipher material: %w", err)
	}
	return dataCipher, nil
}

func (b *BoltStorage) Close() error {
	return b.db.Close()
}

func (b *BoltStorage) Get(key string) ([]byte, error) {
	var sealed []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get([]byte(key))
		if v == nil {
			return newNotFoundError(key)
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	plaintext, err := b.cipher.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", key, err)
	}
	return plaintext, nil
}

func (b *BoltStorage) Set(key string, value []byte) error {
	sealed := b.cipher.seal(value)
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put([]byte(key), sealed)
	})
}

func (b *BoltStorage) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete([]byte(key))
	})
}
