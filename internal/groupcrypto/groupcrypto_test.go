package groupcrypto

import (
	"strings"
	"testing"

	"streamsync/internal/protocol"
	"streamsync/pkg/streamid"
)

var secret = []byte("test-group-secret-that-is-long-x")

func channelID(t *testing.T) streamid.ID {
	t.Helper()
	id, err := streamid.MakeUniqueID(streamid.Channel)
	if err != nil {
		t.Fatalf("MakeUniqueID: %v", err)
	}
	return id
}

func TestRoundTrip(t *testing.T) {
	e, err := New(secret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := channelID(t)

	data, err := e.EncryptGroupEvent(id, "gm everyone")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if data.Algorithm != Algorithm {
		t.Fatalf("algorithm = %q", data.Algorithm)
	}
	if strings.Contains(string(data.Ciphertext), "gm everyone") {
		t.Fatal("ciphertext leaks plaintext")
	}

	// another member with the same secret
	other, err := New(secret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := other.DecryptGroupEvent(id, data)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "gm everyone" {
		t.Fatalf("round-trip failed: got %q", got)
	}
}

func TestNoncesDiffer(t *testing.T) {
	e, _ := New(secret)
	id := channelID(t)
	a, _ := e.EncryptGroupEvent(id, "same")
	b, _ := e.EncryptGroupEvent(id, "same")
	if string(a.Ciphertext) == string(b.Ciphertext) {
		t.Fatal("two encryptions of the same text should differ")
	}
}

func TestBoundToStream(t *testing.T) {
	e, _ := New(secret)
	data, err := e.EncryptGroupEvent(channelID(t), "hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	data.SessionID = ""
	if _, err := e.DecryptGroupEvent(channelID(t), data); err == nil {
		t.Fatal("expected failure decrypting under another stream")
	}
}

func TestDecryptFailures(t *testing.T) {
	e, _ := New(secret)
	id := channelID(t)
	good, _ := e.EncryptGroupEvent(id, "hello")

	tampered := *good
	tampered.Ciphertext = append([]byte(nil), good.Ciphertext...)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0xff

	wrongSecret, _ := New([]byte("another-group-secret-entirely-xx"))

	tests := []struct {
		name string
		e    *Encryptor
		data *protocol.EncryptedData
	}{
		{"nil", e, nil},
		{"unknown algorithm", e, &protocol.EncryptedData{Algorithm: "rot13", Ciphertext: []byte("x")}},
		{"too short", e, &protocol.EncryptedData{Algorithm: Algorithm, Ciphertext: []byte("x")}},
		{"tampered", e, &tampered},
		{"wrong session", wrongSecret, good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.e.DecryptGroupEvent(id, tt.data); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPlainPassthrough(t *testing.T) {
	e, _ := New(secret)
	got, err := e.DecryptGroupEvent(channelID(t), &protocol.EncryptedData{Algorithm: PlainAlgorithm, Ciphertext: []byte("plain")})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "plain" {
		t.Fatalf("got %q", got)
	}
}

func TestShortSecretRejected(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error")
	}
}
