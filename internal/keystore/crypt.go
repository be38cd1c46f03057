package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const encryptedKeyBlockType = "WSBRIDGE ENCRYPTED PRIVATE KEY"

// scrypt cost parameters
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

var (
	errWrongPassword = errors.New("private key password is incorrect")
	errMalformedKey  = errors.New("private key file is malformed")
)

// sealPrivateKey encrypts PKCS#8 DER with AES-GCM under a key derived from
// password.
func sealPrivateKey(pkcs8 []byte, password string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	gcm, err := newKeyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	block := &pem.Block{
		Type: encryptedKeyBlockType,
		Headers: map[string]string{
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce),
		},
		Bytes: gcm.Seal(nil, nonce, pkcs8, nil),
	}
	return pem.EncodeToMemory(block), nil
}

// openPrivateKey reverses sealPrivateKey. It returns errWrongPassword if
// authentication fails and errMalformedKey if the file cannot be parsed.
func openPrivateKey(data []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != encryptedKeyBlockType {
		return nil, errMalformedKey
	}
	salt, err := hex.DecodeString(block.Headers["Salt"])
	if err != nil || len(salt) == 0 {
		return nil, errMalformedKey
	}
	nonce, err := hex.DecodeString(block.Headers["Nonce"])
	if err != nil {
		return nil, errMalformedKey
	}
	gcm, err := newKeyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errMalformedKey
	}
	plaintext, err := gcm.Open(nil, nonce, block.Bytes, nil)
	if err != nil {
		return nil, errWrongPassword
	}
	return plaintext, nil
}

func newKeyCipher(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
