package streaming

import (
	"fmt"
	"strconv"
	"strings"
)

// RangeUnit is the only range unit understood by the proxy.
const RangeUnit = "bytes"

// Range is a parsed Range request header. A nil *Range means the whole
// resource was requested. Start absent with End present is a suffix request
// for the last End bytes.
type Range struct {
	Unit  string
	Start *int64
	End   *int64
}

// ParseRange parses a header such as "bytes=100-199", "bytes=100-" or
// "bytes=-100". Anything malformed, in another unit, or naming more than one
// range yields nil.
func ParseRange(header string) *Range {
	unit, rangeSpec, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || strings.TrimSpace(unit) != RangeUnit {
		return nil
	}
	rangeSpec = strings.TrimSpace(rangeSpec)
	if strings.Contains(rangeSpec, ",") || strings.Count(rangeSpec, "-") != 1 {
		return nil
	}

	startStr, endStr, _ := strings.Cut(rangeSpec, "-")
	r := &Range{Unit: RangeUnit}

	if startStr != "" {
		v, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || v < 0 {
			return nil
		}
		r.Start = &v
	}
	if endStr != "" {
		v, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || v < 0 {
			return nil
		}
		r.End = &v
	}

	switch {
	case r.Start == nil && r.End == nil:
		return nil
	case r.Start != nil && r.End != nil && *r.End < *r.Start:
		return nil
	case r.Start == nil && *r.End == 0:
		return nil
	}
	return r
}

// RangeFrom returns the open range "bytes=start-".
func RangeFrom(start int64) *Range {
	return &Range{Unit: RangeUnit, Start: &start}
}

// RangeBetween returns the closed range "bytes=start-end".
func RangeBetween(start, end int64) *Range {
	return &Range{Unit: RangeUnit, Start: &start, End: &end}
}

// RangeSuffix returns the suffix range "bytes=-n".
func RangeSuffix(n int64) *Range {
	return &Range{Unit: RangeUnit, End: &n}
}

// IsSuffix reports whether r asks for the last N bytes.
func (r *Range) IsSuffix() bool {
	return r != nil && r.Start == nil && r.End != nil
}

// String formats r as a Range request header value.
func (r *Range) String() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(RangeUnit)
	b.WriteByte('=')
	if r.Start != nil {
		b.WriteString(strconv.FormatInt(*r.Start, 10))
	}
	b.WriteByte('-')
	if r.End != nil {
		b.WriteString(strconv.FormatInt(*r.End, 10))
	}
	return b.String()
}

// ContentRange resolves r against a resource of total bytes. Explicit
// bounds are returned as given; clamping happens in the server.
func (r *Range) ContentRange(total int64) *ContentRange {
	if r == nil || (r.Start == nil && r.End == nil) {
		return nil
	}

	cr := &ContentRange{Unit: RangeUnit, Length: total}
	switch {
	case r.Start == nil:
		cr.Start = max(total-*r.End, 0)
		cr.End = total - 1
	case r.End == nil:
		cr.Start = *r.Start
		cr.End = total - 1
	default:
		cr.Start = *r.Start
		cr.End = *r.End
	}
	return cr
}

// ContentRange is a resolved byte window of a resource.
type ContentRange struct {
	Unit   string
	Start  int64
	End    int64 // inclusive
	Length int64
}

// ParseContentRange parses "bytes 0-99/1000". An unknown length ("*") or
// anything malformed yields nil.
func ParseContentRange(header string) *ContentRange {
	unit, rangeSpec, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || unit != RangeUnit {
		return nil
	}
	window, length, ok := strings.Cut(strings.TrimSpace(rangeSpec), "/")
	if !ok {
		return nil
	}
	startStr, endStr, ok := strings.Cut(window, "-")
	if !ok {
		return nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return nil
	}
	total, err := strconv.ParseInt(length, 10, 64)
	if err != nil {
		return nil
	}
	if start < 0 || end < start || end >= total {
		return nil
	}
	return &ContentRange{Unit: unit, Start: start, End: end, Length: total}
}

// String formats c as a Content-Range response header value.
func (c *ContentRange) String() string {
	return fmt.Sprintf("%s %d-%d/%d", c.Unit, c.Start, c.End, c.Length)
}

// Size is the number of bytes in the window.
func (c *ContentRange) Size() int64 {
	return c.End - c.Start + 1
}
