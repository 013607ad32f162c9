package catalog

import (
	"fmt"
	"slices"
	"strings"
)

// Catalogue is the subscription tier a restriction applies to.
type Catalogue int

const (
	CatalogueAd Catalogue = iota
	CatalogueSubscription
)

var catalogueNames = map[string]Catalogue{
	"free":         CatalogueAd,
	"ad":           CatalogueAd,
	"premium":      CatalogueSubscription,
	"unlimited":    CatalogueSubscription,
	"subscription": CatalogueSubscription,
}

// ParseCatalogue maps an account catalogue name to its tier.
func ParseCatalogue(s string) (Catalogue, error) {
	c, ok := catalogueNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown catalogue %q", s)
	}
	return c, nil
}

func (c Catalogue) String() string {
	if c == CatalogueSubscription {
		return "premium"
	}
	return "free"
}

// MarshalText implements encoding.TextMarshaler.
func (c Catalogue) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Catalogue) UnmarshalText(text []byte) error {
	parsed, err := ParseCatalogue(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Account is the listener the proxy plays on behalf of.
type Account struct {
	Country   string    `json:"country"`
	Catalogue Catalogue `json:"catalogue"`
}

// RestrictionStreaming is the restriction type that gates playback.
const RestrictionStreaming = "streaming"

// Restriction limits where and for whom a track can be played.
// Country lists are packed two letter codes, e.g. "GBUSSE".
type Restriction struct {
	Catalogues         []Catalogue `json:"catalogues"`
	CountriesAllowed   string      `json:"countries_allowed,omitempty"`
	CountriesForbidden string      `json:"countries_forbidden,omitempty"`
	Type               string      `json:"type,omitempty"`
}

// Check reports whether the account passes this restriction and, if not, why.
func (r Restriction) Check(acct Account) (bool, string) {
	if r.CountriesAllowed == "" && r.CountriesForbidden == "" {
		return false, "invalid"
	}
	if !slices.Contains(r.Catalogues, acct.Catalogue) {
		return false, "catalogue not allowed"
	}

	country := strings.ToUpper(acct.Country)
	allowed := r.CountriesAllowed == "" || containsCountry(r.CountriesAllowed, country)
	forbidden := containsCountry(r.CountriesForbidden, country)

	// Listed in both: allowed wins.
	if allowed && forbidden {
		forbidden = false
	}

	switch {
	case !allowed:
		return false, "country not allowed"
	case forbidden:
		return false, "country forbidden"
	default:
		return true, ""
	}
}

func (r Restriction) appliesToStreaming() bool {
	return r.Type == "" || strings.EqualFold(r.Type, RestrictionStreaming)
}

func containsCountry(packed, country string) bool {
	if len(country) != 2 {
		return false
	}
	packed = strings.ToUpper(packed)
	for i := 0; i+2 <= len(packed); i += 2 {
		if packed[i:i+2] == country {
			return true
		}
	}
	return false
}

// Artist is a credited artist.
type Artist struct {
	URI  string `json:"uri,omitempty"`
	Name string `json:"name"`
}

// Album is the release a track belongs to.
type Album struct {
	URI  string `json:"uri,omitempty"`
	Name string `json:"name"`
}

// TrackMetadata is the catalog record for a playable track.
type TrackMetadata struct {
	URI          string          `json:"uri"`
	GID          string          `json:"gid,omitempty"` // hex
	Name         string          `json:"name"`
	Album        Album           `json:"album"`
	Artists      []Artist        `json:"artists,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	Restrictions []Restriction   `json:"restrictions,omitempty"`
	Alternatives []TrackMetadata `json:"alternatives,omitempty"`
}

// IsAvailable reports whether the track can be streamed by acct. A track
// without streaming restrictions is available; otherwise at least one of
// them must pass.
func (m *TrackMetadata) IsAvailable(acct Account) bool {
	restricted := false
	for _, r := range m.Restrictions {
		if !r.appliesToStreaming() {
			continue
		}
		restricted = true
		if ok, _ := r.Check(acct); ok {
			return true
		}
	}
	return !restricted
}

// FindAlternative returns a copy of m that points at the first available
// alternative release, keeping the descriptive fields of m.
func (m *TrackMetadata) FindAlternative(acct Account) (*TrackMetadata, bool) {
	for i := range m.Alternatives {
		alt := &m.Alternatives[i]
		if !alt.IsAvailable(acct) {
			continue
		}

		out := *m
		out.URI = alt.URI
		out.GID = alt.GID
		out.Restrictions = alt.Restrictions
		out.Alternatives = nil
		if alt.DurationMs > 0 {
			out.DurationMs = alt.DurationMs
		}
		return &out, true
	}
	return nil, false
}

// TrackGID returns the hex gid, deriving it from the URI when unset.
func (m *TrackMetadata) TrackGID() (string, error) {
	if m.GID != "" {
		return m.GID, nil
	}
	u, err := ParseURI(m.URI)
	if err != nil {
		return "", err
	}
	return u.ID(), nil
}

// ArtistNames joins the credited artist names.
func (m *TrackMetadata) ArtistNames() string {
	names := make([]string, 0, len(m.Artists))
	for _, a := range m.Artists {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}
