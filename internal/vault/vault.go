// Package vault encrypts uploaded files while they wait to be imported.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"chatimport/internal/failure"
)

var magic = []byte("CIV1")

const hkdfInfo = "chatimport artifact v1"

var errInvalidArtifact = errors.New("invalid artifact")

// Vault seals and opens artifacts with AES-256-GCM. Each master key is
// expanded with HKDF-SHA256 into the sub-key actually used for sealing.
type Vault struct {
	keys KeyProvider

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// New returns a vault backed by keys.
func New(keys KeyProvider) *Vault {
	return &Vault{keys: keys, aeads: make(map[string]cipher.AEAD)}
}

func (v *Vault) aead(k Key) (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if a, ok := v.aeads[k.ID]; ok {
		return a, nil
	}
	sub := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.Material, nil, []byte(hkdfInfo)), sub); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	v.aeads[k.ID] = a
	return a, nil
}

// Seal encrypts plain under the active key. The key id is bound to the
// ciphertext as additional data.
func (v *Vault) Seal(plain []byte) ([]byte, error) {
	k := v.keys.Active()
	a, err := v.aead(k)
	if err != nil {
		return nil, failure.Wrap(failure.KindEncryptionFailed, "encrypt upload", err)
	}
	header := make([]byte, 0, len(magic)+1+len(k.ID))
	header = append(header, magic...)
	header = append(header, byte(len(k.ID)))
	header = append(header, k.ID...)

	nonce := make([]byte, a.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, failure.Wrap(failure.KindEncryptionFailed, "encrypt upload", fmt.Errorf("nonce: %w", err))
	}
	out := make([]byte, 0, len(header)+len(nonce)+len(plain)+a.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return a.Seal(out, nonce, plain, header), nil
}

// Open authenticates and decrypts an artifact produced by Seal.
func (v *Vault) Open(artifact []byte) ([]byte, error) {
	plain, err := v.open(artifact)
	if err != nil {
		return nil, failure.Wrap(failure.KindDecryptionFailed, "decrypt upload", err)
	}
	return plain, nil
}

func (v *Vault) open(artifact []byte) ([]byte, error) {
	if len(artifact) < len(magic)+1 || !bytes.Equal(artifact[:len(magic)], magic) {
		return nil, errInvalidArtifact
	}
	idLen := int(artifact[len(magic)])
	headerLen := len(magic) + 1 + idLen
	if len(artifact) < headerLen {
		return nil, errInvalidArtifact
	}
	header := artifact[:headerLen]
	k, ok := v.keys.Lookup(string(header[len(magic)+1:]))
	if !ok {
		return nil, errUnknownKey
	}
	a, err := v.aead(k)
	if err != nil {
		return nil, err
	}
	rest := artifact[headerLen:]
	if len(rest) < a.NonceSize()+a.Overhead() {
		return nil, errInvalidArtifact
	}
	nonce, body := rest[:a.NonceSize()], rest[a.NonceSize():]
	plain, err := a.Open(nil, nonce, body, header)
	if err != nil {
		return nil, errInvalidArtifact
	}
	return plain, nil
}

// WriteFile seals plain and writes it to path with owner-only permissions.
// A partially written file is never left behind.
func (v *Vault) WriteFile(path string, plain []byte) error {
	sealed, err := v.Seal(plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return failure.Wrap(failure.KindEncryptionFailed, "store upload", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return failure.Wrap(failure.KindEncryptionFailed, "store upload", err)
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		tmp.Close()
		os.Remove(tmpName)
		return failure.Wrap(failure.KindEncryptionFailed, "store upload", cause)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return cleanup(err)
	}
	if _, err := tmp.Write(sealed); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return failure.Wrap(failure.KindEncryptionFailed, "store upload", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return failure.Wrap(failure.KindEncryptionFailed, "store upload", err)
	}
	return nil
}

// ReadFile reads and opens the artifact stored at path.
func (v *Vault) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.KindDecryptionFailed, "read upload", err)
	}
	return v.Open(data)
}
