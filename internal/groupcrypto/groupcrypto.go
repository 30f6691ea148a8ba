// Package groupcrypto is a shared-secret implementation of group message
// encryption. Every member holding the same secret derives the same
// per-stream key, so it suits development and tests rather than real
// end-to-end key exchange.
//
// Ciphertexts are nonce|sealed under XChaCha20-Poly1305 with the stream id as
// additional data, so a message cannot be replayed into another stream.
package groupcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"streamsync/internal/protocol"
	"streamsync/pkg/streamid"
)

const (
	// Algorithm tags ciphertexts produced by this package.
	Algorithm = "xchacha20poly1305-hkdf-v1"
	// PlainAlgorithm marks unencrypted content; it decrypts as-is.
	PlainAlgorithm = "none"

	salt = "streamsync-group-encryption"
)

var (
	ErrUnsupportedAlgorithm = errors.New("groupcrypto: unsupported algorithm")
	ErrWrongSession         = errors.New("groupcrypto: ciphertext is for another session")
)

// Encryptor encrypts and decrypts group message content. Safe for concurrent
// use.
type Encryptor struct {
	secret []byte

	mu   sync.Mutex
	keys map[streamid.ID]*streamKey
}

type streamKey struct {
	aead      cipher.AEAD
	sessionID string
}

// New creates an Encryptor from a shared group secret.
func New(secret []byte) (*Encryptor, error) {
	if len(secret) < 16 {
		return nil, errors.New("groupcrypto: secret must be at least 16 bytes")
	}
	return &Encryptor{
		secret: append([]byte(nil), secret...),
		keys:   make(map[streamid.ID]*streamKey),
	}, nil
}

func (e *Encryptor) key(id streamid.ID) (*streamKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.keys[id]; ok {
		return k, nil
	}
	reader := hkdf.New(sha256.New, e.secret, []byte(salt), id.Bytes())
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, fmt.Errorf("groupcrypto: HKDF derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("groupcrypto: %w", err)
	}
	sum := sha256.Sum256(raw)
	k := &streamKey{aead: aead, sessionID: hex.EncodeToString(sum[:8])}
	e.keys[id] = k
	return k, nil
}

// SessionID identifies the key used for a stream.
func (e *Encryptor) SessionID(id streamid.ID) (string, error) {
	k, err := e.key(id)
	if err != nil {
		return "", err
	}
	return k.sessionID, nil
}

// EncryptGroupEvent seals plaintext for stream id.
func (e *Encryptor) EncryptGroupEvent(id streamid.ID, plaintext string) (*protocol.EncryptedData, error) {
	k, err := e.key(id)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("groupcrypto: failed to generate nonce: %w", err)
	}
	return &protocol.EncryptedData{
		Algorithm:  Algorithm,
		SessionID:  k.sessionID,
		Ciphertext: k.aead.Seal(nonce, nonce, []byte(plaintext), id.Bytes()),
	}, nil
}

// DecryptGroupEvent opens data produced by EncryptGroupEvent for the same
// stream. PlainAlgorithm content is returned as-is.
func (e *Encryptor) DecryptGroupEvent(id streamid.ID, data *protocol.EncryptedData) (string, error) {
	if data == nil {
		return "", errors.New("groupcrypto: no encrypted data")
	}
	switch data.Algorithm {
	case PlainAlgorithm:
		return string(data.Ciphertext), nil
	case Algorithm:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, data.Algorithm)
	}

	k, err := e.key(id)
	if err != nil {
		return "", err
	}
	if data.SessionID != "" && data.SessionID != k.sessionID {
		return "", ErrWrongSession
	}
	nonceSize := k.aead.NonceSize()
	if len(data.Ciphertext) < nonceSize {
		return "", errors.New("groupcrypto: ciphertext too short")
	}
	plaintext, err := k.aead.Open(nil, data.Ciphertext[:nonceSize], data.Ciphertext[nonceSize:], id.Bytes())
	if err != nil {
		return "", fmt.Errorf("groupcrypto: decryption failed: %w", err)
	}
	return string(plaintext), nil
}
