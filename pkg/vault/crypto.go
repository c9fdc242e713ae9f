package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keyLen = 32

// keyring derives per-session record keys from a process-scoped master key.
// Session salts exist only in this map; dropping a salt is what makes a
// shredded record unrecoverable.
type keyring struct {
	mu     sync.Mutex
	master []byte
	salts  map[string][]byte
}

// newKeyring generates a fresh master key. The key is never written to
// durable storage in cleartext.
func newKeyring() (*keyring, error) {
	master := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, fmt.Errorf("vault: generate master key: %w", err)
	}
	return &keyring{master: master, salts: make(map[string][]byte)}, nil
}

// sessionKey derives (and on first use creates) the key for a session.
func (k *keyring) sessionKey(sessionID string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	salt, ok := k.salts[sessionID]
	if !ok {
		salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("vault: generate salt: %w", err)
		}
		k.salts[sessionID] = salt
	}

	r := hkdf.New(sha256.New, k.master, salt, []byte("shiftnote/vault/"+sessionID))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

// known reports whether key material for the session still exists.
func (k *keyring) known(sessionID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.salts[sessionID]
	return ok
}

// shred zeroes and forgets the session salt. After this, no ciphertext
// written under the session's key can ever be opened again.
func (k *keyring) shred(sessionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if salt, ok := k.salts[sessionID]; ok {
		for i := range salt {
			salt[i] = 0
		}
		delete(k.salts, sessionID)
	}
}

func (k *keyring) seal(sessionID string, plaintext []byte) ([]byte, error) {
	key, err := k.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(sessionID)), nil
}

func (k *keyring) open(sessionID string, ciphertext []byte) ([]byte, error) {
	if !k.known(sessionID) {
		return nil, ErrShredded
	}
	key, err := k.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("vault: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}
