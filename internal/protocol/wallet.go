package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// SignatureLength is R|S|V.
const SignatureLength = 65

// Wallet signs event hashes with a secp256k1 key. The creator address of an
// event is the Ethereum-style address of the signing key.
type Wallet struct {
	priv    *btcec.PrivateKey
	address string
}

// NewWallet generates a fresh key.
func NewWallet() (*Wallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newWallet(priv), nil
}

// WalletFromHex loads a 32-byte hex private key.
func WalletFromHex(privateKeyHex string) (*Wallet, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(keyBytes))
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	return newWallet(priv), nil
}

func newWallet(priv *btcec.PrivateKey) *Wallet {
	return &Wallet{priv: priv, address: pubKeyToAddress(priv.PubKey())}
}

// Address is the lowercase 0x-prefixed 20-byte address.
func (w *Wallet) Address() string { return w.address }

// Sign produces a 65 byte R|S|V signature over hash.
func (w *Wallet) Sign(hash Hash) []byte {
	// btcec layout is V|R|S with V = 27 + recovery id
	compact := ecdsa.SignCompact(w.priv, hash[:], false)
	sig := make([]byte, SignatureLength)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0] - 27
	return sig
}

// RecoverAddress returns the address that produced sig over hash.
func RecoverAddress(hash Hash, sig []byte) (string, error) {
	if len(sig) != SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", fmt.Errorf("invalid recovery id: %d", v)
	}

	compact := make([]byte, SignatureLength)
	compact[0] = 27 + v
	copy(compact[1:33], sig[0:32])
	copy(compact[33:65], sig[32:64])

	pubKey, _, err := ecdsa.RecoverCompact(compact, hash[:])
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return pubKeyToAddress(pubKey), nil
}

func pubKeyToAddress(pubKey *btcec.PublicKey) string {
	// uncompressed key without the 0x04 prefix byte
	uncompressed := pubKey.SerializeUncompressed()
	hash := Keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(hash[12:])
}
