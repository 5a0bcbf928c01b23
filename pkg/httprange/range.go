// Package httprange parses single byte-range requests.
package httprange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange = errors.New("invalid range")
	ErrMultiRange   = errors.New("multi-range not supported")
)

// Range is an inclusive byte window [Start, End].
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by r.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for a resource of size bytes.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// Unsatisfiable formats the Content-Range header for a 416 response.
func Unsatisfiable(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// Parse parses a Range header against a resource of the given size.
//
// Accepted forms are "bytes=start-end", "bytes=start-" and "bytes=-suffix".
// An end past the last byte is clamped. Non-numeric bounds, start > end,
// start >= size, empty resources and multiple ranges are rejected.
func Parse(header string, size int64) (Range, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) || size <= 0 {
		return Range{}, ErrInvalidRange
	}

	spec := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if strings.Contains(spec, ",") {
		return Range{}, ErrMultiRange
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return Range{}, ErrInvalidRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// bytes=-N: the last N bytes
		n, err := parseBound(endStr)
		if err != nil || n == 0 {
			return Range{}, ErrInvalidRange
		}
		if n > size {
			n = size
		}
		return Range{Start: size - n, End: size - 1}, nil
	}

	start, err := parseBound(startStr)
	if err != nil || start >= size {
		return Range{}, ErrInvalidRange
	}
	r := Range{Start: start, End: size - 1}
	if endStr == "" {
		return r, nil
	}
	end, err := parseBound(endStr)
	if err != nil || end < start {
		return Range{}, ErrInvalidRange
	}
	if end < size-1 {
		r.End = end
	}
	return r, nil
}

// parseBound accepts only plain non-negative decimal integers.
func parseBound(s string) (int64, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, ErrInvalidRange
	}
	return strconv.ParseInt(s, 10, 64)
}
