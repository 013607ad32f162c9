package httpclient

import (
	"fmt"
	"strconv"
	"strings"
)

type statusRange struct {
	min, max int
}

// StatusCodeSet is a set of HTTP status codes built from a spec such as
// "200-299,404". A nil set is empty.
type StatusCodeSet struct {
	codes  map[int]struct{}
	ranges []statusRange
}

// ParseStatusCodes parses a comma separated list of codes and inclusive ranges.
// An empty string yields a nil set.
func ParseStatusCodes(s string) (*StatusCodeSet, error) {
	set := &StatusCodeSet{codes: make(map[int]struct{})}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		min, err := parseStatus(lo)
		if err != nil {
			return nil, err
		}
		if !isRange {
			set.codes[min] = struct{}{}
			continue
		}

		max, err := parseStatus(hi)
		if err != nil {
			return nil, err
		}
		if min > max {
			return nil, fmt.Errorf("invalid status range %d-%d: min > max", min, max)
		}
		set.ranges = append(set.ranges, statusRange{min: min, max: max})
	}

	if set.IsEmpty() {
		return nil, nil
	}
	return set, nil
}

func parseStatus(s string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid status code %q: %w", s, err)
	}
	if code < 100 || code > 599 {
		return 0, fmt.Errorf("invalid HTTP status code %d: must be 100-599", code)
	}
	return code, nil
}

// MustParseStatusCodes is like ParseStatusCodes but panics on error.
func MustParseStatusCodes(s string) *StatusCodeSet {
	set, err := ParseStatusCodes(s)
	if err != nil {
		panic(err)
	}
	return set
}

// Contains reports whether code is in the set.
func (s *StatusCodeSet) Contains(code int) bool {
	if s == nil {
		return false
	}
	if _, ok := s.codes[code]; ok {
		return true
	}
	for _, r := range s.ranges {
		if code >= r.min && code <= r.max {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the set has no codes.
func (s *StatusCodeSet) IsEmpty() bool {
	return s == nil || (len(s.codes) == 0 && len(s.ranges) == 0)
}
