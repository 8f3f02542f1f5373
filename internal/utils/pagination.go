// Package utils provides small helpers shared by the HTTP and service layers.
package utils

import "strconv"

// Page bounds for listing endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is a 1-based page request with a clamped size.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads raw page and page_size values. Missing or unparsable
// values fall back to page 1 and DefaultPageSize; sizes are clamped to
// [1, MaxPageSize].
func ParsePage(number, size string) Page {
	return NewPage(AtoiDefault(number, 1), AtoiDefault(size, DefaultPageSize))
}

// NewPage clamps number and size into a valid Page. A non-positive size
// means DefaultPageSize.
func NewPage(number, size int) Page {
	if number < 1 {
		number = 1
	}
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return Page{Number: number, Size: size}
}

// Offset is the number of rows to skip.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages returns how many pages of p.Size cover total rows.
func (p Page) TotalPages(total int64) int {
	if total <= 0 || p.Size <= 0 {
		return 0
	}
	return int((total + int64(p.Size) - 1) / int64(p.Size))
}

// AtoiDefault converts s with strconv.Atoi, returning def when s is empty
// or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
