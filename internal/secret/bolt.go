package secret

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/nace/volmon/internal/system"
)

const (
	boltBucket   = "secrets"
	boltFileMode = 0600
	keySize      = 32
	nonceSize    = 24
)

// BoltStore persists secrets in a bbolt file, each value sealed with
// nacl/secretbox under a key read from a keyfile.
type BoltStore struct {
	db  *bbolt.DB
	key *system.SecureBytes
}

// OpenBoltStore opens (or creates) the database at path. keyfile must hold
// at least 32 bytes; if it does not exist and create is true a random key is
// written there.
func OpenBoltStore(path, keyfile string, create bool) (*BoltStore, error) {
	if _, err := os.Stat(keyfile); os.IsNotExist(err) && create {
		raw := make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, raw); err != nil {
			return nil, fmt.Errorf("failed to generate keyring key: %w", err)
		}
		err := system.WriteKeyfile(keyfile, raw)
		for i := range raw {
			raw[i] = 0
		}
		if err != nil {
			return nil, err
		}
	}

	resolved, insecure, err := system.ValidateKeyfilePath(keyfile)
	if err != nil {
		return nil, err
	}
	if insecure {
		return nil, fmt.Errorf("keyring key %s is readable by group or others (chmod 600 it)", resolved)
	}
	key, err := system.ReadKeyfile(resolved, keySize)
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, boltFileMode, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		key.Zeroize()
		return nil, fmt.Errorf("failed to open keyring %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close()
		key.Zeroize()
		return nil, fmt.Errorf("failed to initialize keyring: %w", err)
	}

	return &BoltStore{db: db, key: key}, nil
}

func (b *BoltStore) keyArray() *[keySize]byte {
	var k [keySize]byte
	copy(k[:], b.key.Bytes())
	return &k
}

func scrubArray(k *[keySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

func (b *BoltStore) Get(_ context.Context, key string) (*Secret, error) {
	var sealed []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("keyring entry for %s is truncated", key)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	k := b.keyArray()
	defer scrubArray(k)

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, k)
	if !ok {
		return nil, errors.New("keyring entry failed authentication")
	}
	return New(plain, SavePermanent), nil
}

func (b *BoltStore) Put(_ context.Context, key string, s *Secret) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	k := b.keyArray()
	defer scrubArray(k)

	sealed := secretbox.Seal(nonce[:], s.Bytes(), &nonce, k)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), sealed)
	})
}

func (b *BoltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
}

// Close releases the database and scrubs the key.
func (b *BoltStore) Close() error {
	b.key.Zeroize()
	return b.db.Close()
}
