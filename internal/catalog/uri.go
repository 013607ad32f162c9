package catalog

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Kind is the closed set of catalog object types addressable by URI.
type Kind int

const (
	KindUnknown Kind = iota
	KindTrack
	KindAlbum
	KindArtist
	KindPlaylist
)

var kindNames = map[Kind]string{
	KindTrack:    "track",
	KindAlbum:    "album",
	KindArtist:   "artist",
	KindPlaylist: "playlist",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a URI segment to a Kind.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k
		}
	}
	return KindUnknown
}

// URIScheme prefixes every catalog URI.
const URIScheme = "spotify"

const base62Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const (
	codeLength = 22
	idLength   = 32
)

// ErrInvalidURI is returned for identifiers that are not catalog URIs.
var ErrInvalidURI = errors.New("invalid catalog uri")

// URI identifies a catalog object, e.g. spotify:track:6rqhFgbbKwnb9MLmUQDhG6
// or spotify:user:alice:playlist:37i9dQZF1DXcBWIGoYBM5M.
type URI struct {
	Kind     Kind
	Code     string // base62
	Username string
}

// ParseURI parses a catalog URI. The scheme prefix is optional.
func ParseURI(s string) (URI, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 0 && parts[0] == URIScheme {
		parts = parts[1:]
	}

	var u URI
	if len(parts) > 0 && parts[0] == "user" {
		if len(parts) < 4 {
			return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
		}
		u.Username = parts[1]
		parts = parts[2:]
	}
	if len(parts) != 2 || parts[1] == "" {
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}

	u.Kind = ParseKind(parts[0])
	if u.Kind == KindUnknown {
		return URI{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidURI, parts[0])
	}
	for _, c := range parts[1] {
		if !strings.ContainsRune(base62Alphabet, c) {
			return URI{}, fmt.Errorf("%w: bad code %q", ErrInvalidURI, parts[1])
		}
	}
	u.Code = parts[1]
	return u, nil
}

// MustParseURI is like ParseURI but panics on error.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u URI) String() string {
	parts := []string{URIScheme}
	if u.Username != "" {
		parts = append(parts, "user", u.Username)
	}
	parts = append(parts, u.Kind.String(), u.Code)
	return strings.Join(parts, ":")
}

// ID returns the 32 character hex form of the base62 code.
func (u URI) ID() string {
	v := new(big.Int)
	base := big.NewInt(62)
	for _, c := range u.Code {
		v.Mul(v, base)
		v.Add(v, big.NewInt(int64(strings.IndexRune(base62Alphabet, c))))
	}
	id := v.Text(16)
	if len(id) < idLength {
		id = strings.Repeat("0", idLength-len(id)) + id
	}
	return id
}

// GID returns the raw 16 byte global id.
func (u URI) GID() []byte {
	gid, _ := hex.DecodeString(u.ID())
	return gid
}

// URIFromID builds a URI from a hex id.
func URIFromID(kind Kind, id string) (URI, error) {
	v, ok := new(big.Int).SetString(id, 16)
	if !ok {
		return URI{}, fmt.Errorf("%w: bad id %q", ErrInvalidURI, id)
	}

	var digits []byte
	base := big.NewInt(62)
	mod := new(big.Int)
	for v.Sign() > 0 {
		v.DivMod(v, base, mod)
		digits = append(digits, base62Alphabet[mod.Int64()])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}

	code := string(digits)
	if len(code) < codeLength {
		code = strings.Repeat("0", codeLength-len(code)) + code
	}
	return URI{Kind: kind, Code: code}, nil
}

// URIFromGID builds a URI from a raw global id.
func URIFromGID(kind Kind, gid []byte) (URI, error) {
	return URIFromID(kind, hex.EncodeToString(gid))
}
