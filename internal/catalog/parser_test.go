package catalog

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFormatForContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        Format
		ok          bool
	}{
		{"application/json", FormatJSON, true},
		{"application/json; charset=utf-8", FormatJSON, true},
		{"application/x-protobuf", FormatProtobuf, true},
		{"text/xml", FormatXML, true},
		{"audio/mpeg", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			got, ok := FormatForContentType(tt.contentType)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, IsErrorContentType("text/xml; charset=utf-8"))
	assert.False(t, IsErrorContentType("audio/mpeg"))
}

func TestParseMetadata_JSON(t *testing.T) {
	body := []byte(`{
		"uri": "spotify:track:6rqhFgbbKwnb9MLmUQDhG6",
		"name": "Bohemian Rhapsody",
		"album": {"name": "A Night at the Opera"},
		"artists": [{"name": "Queen"}],
		"duration_ms": 354000,
		"restrictions": [{"catalogues": ["premium", "free"], "countries_allowed": "GBUS"}],
		"alternatives": [{"uri": "spotify:track:1AhDOtG9vPSOmsWgNW0BEY"}]
	}`)

	md, err := ParseMetadata("application/json", body)
	require.NoError(t, err)

	assert.Equal(t, "Bohemian Rhapsody", md.Name)
	assert.Equal(t, "A Night at the Opera", md.Album.Name)
	assert.Equal(t, "Queen", md.ArtistNames())
	assert.Equal(t, int64(354000), md.DurationMs)
	require.Len(t, md.Restrictions, 1)
	assert.Equal(t, []Catalogue{CatalogueSubscription, CatalogueAd}, md.Restrictions[0].Catalogues)
	require.Len(t, md.Alternatives, 1)
	assert.True(t, md.IsAvailable(premiumGB))
}

func TestParseMetadata_JSONInvalid(t *testing.T) {
	_, err := ParseMetadata("application/json", []byte(`{"restrictions":[{"catalogues":["gold"]}]}`))
	assert.Error(t, err)

	_, err = ParseMetadata("application/json", []byte(`not json`))
	assert.Error(t, err)
}

func TestParseMetadata_Unsupported(t *testing.T) {
	_, err := ParseMetadata("audio/mpeg", []byte{0xff, 0xfb})
	assert.ErrorContains(t, err, "unsupported")
}

func TestParseMetadata_XMLError(t *testing.T) {
	_, err := ParseMetadata("text/xml", []byte(`<error code="12"><message>Track is not available</message></error>`))

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 12, ue.Code)
	assert.Equal(t, "Track is not available", ue.Message)
	assert.Contains(t, ue.Error(), "upstream error 12")
}

func TestParseUpstreamError_NonXML(t *testing.T) {
	ue := ParseUpstreamError(503, []byte("  service unavailable \n"))
	assert.Equal(t, 503, ue.Status)
	assert.Equal(t, "service unavailable", ue.Message)
	assert.Equal(t, "upstream status 503: service unavailable", ue.Error())
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func encodeTrack(gid []byte, name string, durationMs int64, restrictions, alternatives [][]byte) []byte {
	var b []byte
	b = appendMessage(b, fieldTrackGID, gid)
	b = appendString(b, fieldTrackName, name)

	var album []byte
	album = appendString(album, fieldNamedName, "A Night at the Opera")
	b = appendMessage(b, fieldTrackAlbum, album)

	var artist []byte
	artist = appendMessage(artist, fieldNamedGID, MustParseURI("spotify:artist:1dfeR4HaWDbWqFHLkxsg1d").GID())
	artist = appendString(artist, fieldNamedName, "Queen")
	b = appendMessage(b, fieldTrackArtist, artist)

	b = protowire.AppendTag(b, fieldTrackDuration, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(durationMs))

	// Unknown fields are skipped.
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	for _, r := range restrictions {
		b = appendMessage(b, fieldTrackRestriction, r)
	}
	for _, a := range alternatives {
		b = appendMessage(b, fieldTrackAlternative, a)
	}
	return b
}

func TestParseMetadata_Protobuf(t *testing.T) {
	uri := MustParseURI("spotify:track:6rqhFgbbKwnb9MLmUQDhG6")
	altURI := MustParseURI("spotify:track:1AhDOtG9vPSOmsWgNW0BEY")

	var packed []byte
	packed = protowire.AppendVarint(packed, uint64(CatalogueSubscription))
	packed = protowire.AppendVarint(packed, uint64(CatalogueAd))

	var restriction []byte
	restriction = appendMessage(restriction, fieldRestrictionCatalogue, packed)
	restriction = appendString(restriction, fieldRestrictionAllowed, "GBUS")
	restriction = protowire.AppendTag(restriction, fieldRestrictionType, protowire.VarintType)
	restriction = protowire.AppendVarint(restriction, 0)

	alt := encodeTrack(altURI.GID(), "Bohemian Rhapsody (Remastered)", 355000, nil, nil)
	data := encodeTrack(uri.GID(), "Bohemian Rhapsody", 354000, [][]byte{restriction}, [][]byte{alt})

	md, err := ParseMetadata("application/x-protobuf", data)
	require.NoError(t, err)

	assert.Equal(t, uri.String(), md.URI)
	assert.Equal(t, hex.EncodeToString(uri.GID()), md.GID)
	assert.Equal(t, "Bohemian Rhapsody", md.Name)
	assert.Equal(t, "A Night at the Opera", md.Album.Name)
	require.Len(t, md.Artists, 1)
	assert.Equal(t, "Queen", md.Artists[0].Name)
	assert.Equal(t, "spotify:artist:1dfeR4HaWDbWqFHLkxsg1d", md.Artists[0].URI)
	assert.Equal(t, int64(354000), md.DurationMs)

	require.Len(t, md.Restrictions, 1)
	r := md.Restrictions[0]
	assert.Equal(t, []Catalogue{CatalogueSubscription, CatalogueAd}, r.Catalogues)
	assert.Equal(t, "GBUS", r.CountriesAllowed)
	assert.Equal(t, RestrictionStreaming, r.Type)

	require.Len(t, md.Alternatives, 1)
	assert.Equal(t, altURI.String(), md.Alternatives[0].URI)
	assert.Equal(t, int64(355000), md.Alternatives[0].DurationMs)
}

func TestParseMetadata_ProtobufTruncated(t *testing.T) {
	data := encodeTrack(make([]byte, 16), "x", 1, nil, nil)
	_, err := ParseMetadata("application/x-protobuf", data[:len(data)-1])
	assert.Error(t, err)
}
