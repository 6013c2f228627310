package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"feed-scheduler/internal/domain"
)

var errMalformed = errors.New("malformed sealed value")

// Sealer шифрует секреты AES-256-GCM. Формат: hex(nonce) ":" hex(ciphertext||tag).
type Sealer struct {
	aead cipher.AEAD
}

var _ domain.Sealer = (*Sealer)(nil)

// NewSealer создаёт шифратор из ключа в hex. Пустой ключ даёт domain.ErrEncryptionKeyMissing.
func NewSealer(keyHex string) (*Sealer, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		return nil, domain.ErrEncryptionKeyMissing
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal шифрует строку.
func (s *Sealer) Seal(plain string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(plain), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Open расшифровывает строку, полученную от Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	noncePart, dataPart, ok := strings.Cut(sealed, ":")
	if !ok {
		return "", errMalformed
	}
	nonce, err := hex.DecodeString(noncePart)
	if err != nil || len(nonce) != s.aead.NonceSize() {
		return "", errMalformed
	}
	data, err := hex.DecodeString(dataPart)
	if err != nil {
		return "", errMalformed
	}
	plain, err := s.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}
