package catalog

import (
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"mime"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Format is the wire format of a metadata response.
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
	FormatXML      Format = "xml"
)

// MetadataParser decodes one wire format into TrackMetadata.
type MetadataParser interface {
	ParseMetadata(data []byte) (*TrackMetadata, error)
}

// ParserFunc adapts a function to MetadataParser.
type ParserFunc func(data []byte) (*TrackMetadata, error)

// ParseMetadata implements MetadataParser.
func (f ParserFunc) ParseMetadata(data []byte) (*TrackMetadata, error) {
	return f(data)
}

// Parsers is the parser table, keyed by format.
var Parsers = map[Format]MetadataParser{
	FormatJSON:     ParserFunc(parseJSON),
	FormatProtobuf: ParserFunc(parseProtobuf),
	FormatXML:      ParserFunc(parseXMLError),
}

var contentTypeFormats = map[string]Format{
	"application/json":                FormatJSON,
	"application/x-protobuf":          FormatProtobuf,
	"application/protobuf":            FormatProtobuf,
	"application/vnd.google.protobuf": FormatProtobuf,
	"text/xml":                        FormatXML,
	"application/xml":                 FormatXML,
}

// FormatForContentType resolves a response Content-Type to a Format.
func FormatForContentType(contentType string) (Format, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	f, ok := contentTypeFormats[mediaType]
	return f, ok
}

// IsErrorContentType reports whether a response of this type carries an
// error payload rather than content.
func IsErrorContentType(contentType string) bool {
	f, ok := FormatForContentType(contentType)
	return ok && f == FormatXML
}

// ParseMetadata picks a parser by content type and decodes data.
func ParseMetadata(contentType string, data []byte) (*TrackMetadata, error) {
	format, ok := FormatForContentType(contentType)
	if !ok {
		return nil, fmt.Errorf("unsupported metadata content type %q", contentType)
	}
	return Parsers[format].ParseMetadata(data)
}

// ParseUpstreamError decodes an XML error body. Bodies that are not XML are
// kept verbatim, truncated, as the message.
func ParseUpstreamError(status int, data []byte) *UpstreamError {
	ue := &UpstreamError{}
	if err := xml.Unmarshal(data, ue); err != nil || ue.Message == "" {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		ue.Message = msg
	}
	ue.Status = status
	return ue
}

func parseJSON(data []byte) (*TrackMetadata, error) {
	var md TrackMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decoding json metadata: %w", err)
	}
	return &md, nil
}

func parseXMLError(data []byte) (*TrackMetadata, error) {
	return nil, ParseUpstreamError(0, data)
}

// Protobuf field numbers of the metadata Track message.
const (
	fieldTrackGID         protowire.Number = 1
	fieldTrackName        protowire.Number = 2
	fieldTrackAlbum       protowire.Number = 3
	fieldTrackArtist      protowire.Number = 4
	fieldTrackDuration    protowire.Number = 7
	fieldTrackRestriction protowire.Number = 11
	fieldTrackAlternative protowire.Number = 13

	fieldNamedGID  protowire.Number = 1
	fieldNamedName protowire.Number = 2

	fieldRestrictionCatalogue protowire.Number = 1
	fieldRestrictionAllowed   protowire.Number = 2
	fieldRestrictionForbidden protowire.Number = 3
	fieldRestrictionType      protowire.Number = 4
)

func parseProtobuf(data []byte) (*TrackMetadata, error) {
	md, err := decodeTrack(data)
	if err != nil {
		return nil, fmt.Errorf("decoding protobuf metadata: %w", err)
	}
	return md, nil
}

// walkFields calls fn for every field in b. fn returns the number of bytes it
// consumed from the field value, or a negative protowire error code.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func decodeTrack(b []byte) (*TrackMetadata, error) {
	md := &TrackMetadata{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldTrackGID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				md.GID = hex.EncodeToString(v)
				if u, err := URIFromGID(KindTrack, v); err == nil {
					md.URI = u.String()
				}
			}
			return n, nil
		case num == fieldTrackName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			md.Name = v
			return n, nil
		case num == fieldTrackAlbum && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			uri, name, err := decodeNamed(KindAlbum, v)
			if err != nil {
				return 0, fmt.Errorf("album: %w", err)
			}
			md.Album = Album{URI: uri, Name: name}
			return n, nil
		case num == fieldTrackArtist && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			uri, name, err := decodeNamed(KindArtist, v)
			if err != nil {
				return 0, fmt.Errorf("artist: %w", err)
			}
			md.Artists = append(md.Artists, Artist{URI: uri, Name: name})
			return n, nil
		case num == fieldTrackDuration && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			md.DurationMs = protowire.DecodeZigZag(v)
			return n, nil
		case num == fieldTrackRestriction && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			r, err := decodeRestriction(v)
			if err != nil {
				return 0, fmt.Errorf("restriction: %w", err)
			}
			md.Restrictions = append(md.Restrictions, r)
			return n, nil
		case num == fieldTrackAlternative && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			alt, err := decodeTrack(v)
			if err != nil {
				return 0, fmt.Errorf("alternative: %w", err)
			}
			md.Alternatives = append(md.Alternatives, *alt)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

func decodeNamed(kind Kind, b []byte) (uri, name string, err error) {
	err = walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldNamedGID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				if u, err := URIFromGID(kind, v); err == nil {
					uri = u.String()
				}
			}
			return n, nil
		case num == fieldNamedName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			name = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return uri, name, err
}

func decodeRestriction(b []byte) (Restriction, error) {
	var r Restriction
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRestrictionCatalogue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Catalogues = append(r.Catalogues, Catalogue(v))
			return n, nil
		case num == fieldRestrictionCatalogue && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				r.Catalogues = append(r.Catalogues, Catalogue(v))
				packed = packed[m:]
			}
			return n, nil
		case num == fieldRestrictionAllowed && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.CountriesAllowed = v
			return n, nil
		case num == fieldRestrictionForbidden && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.CountriesForbidden = v
			return n, nil
		case num == fieldRestrictionType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if v == 0 {
				r.Type = RestrictionStreaming
			} else {
				r.Type = fmt.Sprintf("type%d", v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return r, err
}
