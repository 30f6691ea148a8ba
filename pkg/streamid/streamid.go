// Package streamid encodes, validates and decodes the 32-byte addressable
// identifiers used for streams.
//
// The text form is 64 lowercase hex characters: a one byte type prefix
// followed by a 62 character body holding the type specific identity,
// right padded with '0'.
package streamid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// ByteLength is the size of a stream id in bytes.
	ByteLength = 32
	// TextLength is the size of the hex text form.
	TextLength = ByteLength * 2
	// BodyLength is the hex length of everything after the prefix.
	BodyLength = TextLength - 2

	addressHexLength = 40
)

// ErrInvalidIdentifier is returned for unknown prefixes, non-hex input or
// identities that violate the per-prefix length rule.
var ErrInvalidIdentifier = errors.New("invalid stream identifier")

// Prefix is the one byte stream kind discriminator.
type Prefix byte

const (
	Space        Prefix = 0x10
	Channel      Prefix = 0x20
	GDM          Prefix = 0x77
	DM           Prefix = 0x88
	UserInbox    Prefix = 0xa1
	UserSettings Prefix = 0xa5
	UserMetadata Prefix = 0xa6
	User         Prefix = 0xa8
	UserDevice   Prefix = 0xad
	Media        Prefix = 0xff
)

// identityHexLength is the fixed identity length per prefix. Identities for
// prefixes with a full-body length may be shorter and get zero padded.
var identityHexLength = map[Prefix]int{
	Space:        BodyLength,
	Channel:      BodyLength,
	GDM:          BodyLength,
	DM:           BodyLength,
	Media:        BodyLength,
	User:         addressHexLength,
	UserDevice:   addressHexLength,
	UserInbox:    addressHexLength,
	UserSettings: addressHexLength,
	UserMetadata: addressHexLength,
}

var prefixNames = map[Prefix]string{
	Space:        "space",
	Channel:      "channel",
	GDM:          "gdm",
	DM:           "dm",
	Media:        "media",
	User:         "user",
	UserDevice:   "user_device",
	UserInbox:    "user_inbox",
	UserSettings: "user_settings",
	UserMetadata: "user_metadata",
}

func (p Prefix) String() string {
	if name, ok := prefixNames[p]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%02x)", byte(p))
}

// Known reports whether p is one of the defined stream kinds.
func (p Prefix) Known() bool {
	_, ok := identityHexLength[p]
	return ok
}

// ID is a 32-byte stream identifier.
type ID [ByteLength]byte

// Nil is the zero id. It never validates.
var Nil ID

// Encode builds a stream id from a prefix and a hex identity. The identity
// may carry a 0x prefix and any case.
func Encode(prefix Prefix, identity string) (ID, error) {
	expected, ok := identityHexLength[prefix]
	if !ok {
		return Nil, fmt.Errorf("%w: unknown prefix %02x", ErrInvalidIdentifier, byte(prefix))
	}

	identity = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(identity, "0x"), "0X"))
	switch {
	case len(identity) == expected:
	case expected == BodyLength && len(identity) > 0 && len(identity) < BodyLength:
		// short identities are zero padded to the full body
	case expected != BodyLength && len(identity) == BodyLength && isZeroPadded(identity[expected:]):
		// already padded user-family identity
		identity = identity[:expected]
	default:
		return Nil, fmt.Errorf("%w: identity length %d for %s prefix, want %d", ErrInvalidIdentifier, len(identity), prefix, expected)
	}
	if !isHex(identity) {
		return Nil, fmt.Errorf("%w: non-hex identity %q", ErrInvalidIdentifier, identity)
	}

	text := fmt.Sprintf("%02x", byte(prefix)) + identity + strings.Repeat("0", BodyLength-len(identity))
	var id ID
	if _, err := hex.Decode(id[:], []byte(text)); err != nil {
		return Nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	return id, nil
}

// Parse decodes the 64 character text form, with or without 0x.
func Parse(text string) (ID, error) {
	text = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X"))
	if len(text) != TextLength {
		return Nil, fmt.Errorf("%w: text length %d, want %d", ErrInvalidIdentifier, len(text), TextLength)
	}
	var id ID
	if _, err := hex.Decode(id[:], []byte(text)); err != nil {
		return Nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if err := id.Validate(); err != nil {
		return Nil, err
	}
	return id, nil
}

// MustParse is Parse for constants and tests.
func MustParse(text string) ID {
	id, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes accepts either the 32 raw bytes or the 64 byte text form.
func FromBytes(b []byte) (ID, error) {
	switch len(b) {
	case ByteLength:
		var id ID
		copy(id[:], b)
		if err := id.Validate(); err != nil {
			return Nil, err
		}
		return id, nil
	case TextLength, TextLength + 2:
		return Parse(string(b))
	default:
		return Nil, fmt.Errorf("%w: %d bytes", ErrInvalidIdentifier, len(b))
	}
}

// Validate checks the prefix and that the body is correctly padded.
func (id ID) Validate() error {
	prefix := id.Prefix()
	expected, ok := identityHexLength[prefix]
	if !ok {
		return fmt.Errorf("%w: unknown prefix %02x", ErrInvalidIdentifier, byte(prefix))
	}
	if expected < BodyLength {
		body := hex.EncodeToString(id[1:])
		if !isZeroPadded(body[expected:]) {
			return fmt.Errorf("%w: %s id is not zero padded", ErrInvalidIdentifier, prefix)
		}
	}
	return nil
}

// Prefix returns the stream kind.
func (id ID) Prefix() Prefix { return Prefix(id[0]) }

// Identity returns the canonical identity hex: the fixed-length identity for
// user-family ids, the full zero padded body otherwise.
func (id ID) Identity() string {
	body := hex.EncodeToString(id[1:])
	if expected, ok := identityHexLength[id.Prefix()]; ok {
		return body[:expected]
	}
	return body
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Bytes returns a copy of the raw bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, ByteLength)
	copy(out, id[:])
	return out
}

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id == Nil }

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := FromBytes(text)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func IsSpaceStreamID(id ID) bool        { return id.Prefix() == Space }
func IsChannelStreamID(id ID) bool      { return id.Prefix() == Channel }
func IsDMStreamID(id ID) bool           { return id.Prefix() == DM }
func IsGDMStreamID(id ID) bool          { return id.Prefix() == GDM }
func IsMediaStreamID(id ID) bool        { return id.Prefix() == Media }
func IsUserStreamID(id ID) bool         { return id.Prefix() == User }
func IsUserDeviceStreamID(id ID) bool   { return id.Prefix() == UserDevice }
func IsUserInboxStreamID(id ID) bool    { return id.Prefix() == UserInbox }
func IsUserSettingsStreamID(id ID) bool { return id.Prefix() == UserSettings }
func IsUserMetadataStreamID(id ID) bool { return id.Prefix() == UserMetadata }

// IsUserFamily reports whether id is one of the per-user streams.
func IsUserFamily(id ID) bool {
	switch id.Prefix() {
	case User, UserDevice, UserInbox, UserSettings, UserMetadata:
		return true
	default:
		return false
	}
}

// MakeUserStreamID derives a per-user stream id from a 20-byte address.
func MakeUserStreamID(prefix Prefix, address string) (ID, error) {
	if expected, ok := identityHexLength[prefix]; !ok || expected != addressHexLength {
		return Nil, fmt.Errorf("%w: %s is not a user stream prefix", ErrInvalidIdentifier, prefix)
	}
	return Encode(prefix, address)
}

// MakeDMStreamID derives the DM stream id shared by two users. Both peers
// compute the same id regardless of argument order or case.
func MakeDMStreamID(userA, userB string) (ID, error) {
	ids := []string{normalizeAddress(userA), normalizeAddress(userB)}
	for _, u := range ids {
		if len(u) != addressHexLength || !isHex(u) {
			return Nil, fmt.Errorf("%w: dm participant %q", ErrInvalidIdentifier, u)
		}
	}
	sort.Strings(ids)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(ids[0] + ids[1]))
	sum := h.Sum(nil)
	return Encode(DM, hex.EncodeToString(sum[:ByteLength-1]))
}

// MakeUniqueID returns a random id for prefixes with a full-body identity.
func MakeUniqueID(prefix Prefix) (ID, error) {
	expected, ok := identityHexLength[prefix]
	if !ok || expected != BodyLength {
		return Nil, fmt.Errorf("%w: cannot generate random %s id", ErrInvalidIdentifier, prefix)
	}
	buf := make([]byte, ByteLength-1)
	if _, err := rand.Read(buf); err != nil {
		return Nil, fmt.Errorf("generate stream id: %w", err)
	}
	return Encode(prefix, hex.EncodeToString(buf))
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func isZeroPadded(s string) bool {
	return strings.Trim(s, "0") == ""
}
