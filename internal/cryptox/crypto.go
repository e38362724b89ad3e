// Package cryptox implements the snapshot encryption primitives: argon2id
// key derivation from a user passphrase and AES-256-GCM sealing.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/argon2"

	"github.com/szaharov/caljournal/internal/common"
)

const (
	SaltSize  = 32
	NonceSize = 12
	keySize   = 32

	// argon2id parameters: 1 pass, 64 MiB, 4 lanes. Slow enough to make
	// passphrase guessing expensive on commodity hardware.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// DeriveKey stretches a passphrase and salt into a 256-bit AES key.
func DeriveKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keySize)
}

// NewSalt returns a fresh random salt. Every export generates its own salt,
// so equal passphrases never produce equal keys across snapshots.
func NewSalt() []byte {
	return common.GenerateRandByteArray(SaltSize)
}

// Seal encrypts plaintext with AES-GCM under the given key, returning the
// ciphertext and the randomly generated nonce. GCM authenticates the
// ciphertext, so both tampering and a wrong passphrase are detected at Open.
func Seal(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	return aesgcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts an AES-GCM ciphertext. It fails for a wrong key, a wrong
// nonce, or any modification of the ciphertext.
func Open(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, nonce, ciphertext, nil)
}
