package streamid

import (
	"errors"
	"strings"
	"testing"
)

const alice = "0x1Df2b5a1E8c5fA1b3C0A2e9d8F7b6C5d4e3F2a10"
const bob = "0x9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		prefix   Prefix
		identity string
		want     string
	}{
		{"user address", User, alice, "1df2b5a1e8c5fa1b3c0a2e9d8f7b6c5d4e3f2a10"},
		{"user settings padded input", UserSettings, "1df2b5a1e8c5fa1b3c0a2e9d8f7b6c5d4e3f2a10" + strings.Repeat("0", 22), "1df2b5a1e8c5fa1b3c0a2e9d8f7b6c5d4e3f2a10"},
		{"short space identity", Space, "abc123", "abc123" + strings.Repeat("0", BodyLength-6)},
		{"full channel identity", Channel, strings.Repeat("ab", 31), strings.Repeat("ab", 31)},
		{"media upper case", Media, "0xDEADBEEF", "deadbeef" + strings.Repeat("0", BodyLength-8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Encode(tt.prefix, tt.identity)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if len(id.String()) != TextLength {
				t.Fatalf("expected %d chars, got %d", TextLength, len(id.String()))
			}
			parsed, err := Parse(id.String())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.Prefix() != tt.prefix {
				t.Fatalf("expected prefix %s, got %s", tt.prefix, parsed.Prefix())
			}
			if parsed.Identity() != tt.want {
				t.Fatalf("expected identity %s, got %s", tt.want, parsed.Identity())
			}
			fromRaw, err := FromBytes(id.Bytes())
			if err != nil || fromRaw != id {
				t.Fatalf("raw bytes did not round trip: %v", err)
			}
			fromText, err := FromBytes([]byte(id.String()))
			if err != nil || fromText != id {
				t.Fatalf("text bytes did not round trip: %v", err)
			}
		})
	}
}

func TestEncodeRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		prefix   Prefix
		identity string
	}{
		{"unknown prefix", Prefix(0x42), "abcd"},
		{"non hex", Space, "xyz"},
		{"user too short", User, "abcd"},
		{"user too long", User, strings.Repeat("a", 41)},
		{"space too long", Space, strings.Repeat("a", BodyLength+1)},
		{"empty space", Space, ""},
		{"user padded with garbage", User, strings.Repeat("a", 40) + strings.Repeat("1", 22)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.prefix, tt.identity); !errors.Is(err, ErrInvalidIdentifier) {
				t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
			}
		})
	}
}

func TestParseRejectsUnpaddedUserID(t *testing.T) {
	text := "a8" + strings.Repeat("1", BodyLength)
	if _, err := Parse(text); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected padding violation, got %v", err)
	}
	if _, err := Parse("10abc"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected length violation, got %v", err)
	}
}

func TestPredicates(t *testing.T) {
	space, _ := MakeUniqueID(Space)
	channel, _ := MakeUniqueID(Channel)
	user, _ := MakeUserStreamID(User, alice)
	inbox, _ := MakeUserStreamID(UserInbox, alice)

	if !IsSpaceStreamID(space) || IsChannelStreamID(space) {
		t.Fatal("space predicates wrong")
	}
	if !IsChannelStreamID(channel) {
		t.Fatal("channel predicate wrong")
	}
	if !IsUserStreamID(user) || !IsUserFamily(inbox) || IsUserFamily(space) {
		t.Fatal("user predicates wrong")
	}
	if _, err := MakeUserStreamID(Space, alice); err == nil {
		t.Fatal("expected space prefix to be rejected for user streams")
	}
	if _, err := MakeUniqueID(User); err == nil {
		t.Fatal("expected random user ids to be rejected")
	}
}

func TestMakeDMStreamIDIsSymmetric(t *testing.T) {
	ab, err := MakeDMStreamID(alice, bob)
	if err != nil {
		t.Fatalf("dm id: %v", err)
	}
	ba, err := MakeDMStreamID(strings.ToUpper(bob[2:]), strings.ToLower(alice))
	if err != nil {
		t.Fatalf("dm id: %v", err)
	}
	if ab != ba {
		t.Fatalf("expected symmetric dm id, got %s and %s", ab, ba)
	}
	if !IsDMStreamID(ab) {
		t.Fatalf("expected dm prefix, got %s", ab.Prefix())
	}
	if _, err := MakeDMStreamID(alice, "nothex"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected invalid participant error, got %v", err)
	}
}

func TestTextMarshalling(t *testing.T) {
	id, _ := MakeUniqueID(GDM)
	text, err := id.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var out ID
	if err := out.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if out != id {
		t.Fatalf("expected %s, got %s", id, out)
	}
}
