package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// SealedBlockType is the PEM type of a passphrase-sealed PKCS#8 key.
const SealedBlockType = "TRACELET SEALED PRIVATE KEY"

const (
	sealIterations = 100_000
	sealSaltSize   = 16
	sealNonceSize  = 12
)

func sealDeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, sealIterations, 32, sha256.New)
}

// Seal encrypts a PKCS#8 DER key with AES-256-GCM under a PBKDF2-SHA256
// derived key and returns it as a PEM block. Layout: salt || nonce || ct.
func Seal(der, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrPasswordRequired
	}
	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := sealCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, der, nil)
	body := append(append(salt, nonce...), ciphertext...)
	return pem.EncodeToMemory(&pem.Block{Type: SealedBlockType, Bytes: body}), nil
}

// Open reverses Seal.
func Open(block *pem.Block, passphrase []byte) ([]byte, error) {
	if block.Type != SealedBlockType {
		return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupported, block.Type)
	}
	data := block.Bytes
	if len(data) < sealSaltSize+sealNonceSize {
		return nil, fmt.Errorf("%w: sealed key too short", ErrInvalidFile)
	}
	salt := data[:sealSaltSize]
	nonce := data[sealSaltSize : sealSaltSize+sealNonceSize]
	gcm, err := sealCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	der, err := gcm.Open(nil, nonce, data[sealSaltSize+sealNonceSize:], nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return der, nil
}

func sealCipher(passphrase, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(sealDeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
