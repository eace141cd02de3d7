package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultLimit is used when the client omits limit.
	DefaultLimit = 10
	// MaxLimit caps the page size accepted from clients.
	MaxLimit = 100
)

var (
	ErrInvalidPage  = errors.New("pagination: invalid page")
	ErrInvalidLimit = errors.New("pagination: invalid limit")
)

// Params holds 1-based offset pagination inputs.
type Params struct {
	Page  int
	Limit int
}

// Offset returns the number of records to skip for the page.
func (p Params) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Normalize fills zero values with defaults and clamps limit to MaxLimit.
func (p Params) Normalize() Params {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Pages returns the number of pages needed to hold total records.
func Pages(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// FromRequest parses page and limit from the request query string.
func FromRequest(r *http.Request) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query())
}

// Parse reads page and limit. Out of range values are rejected rather than clamped.
func Parse(values url.Values) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	page, err := parsePositive(values.Get("page"), 1)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}

	limit, err := parsePositive(values.Get("limit"), DefaultLimit)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidLimit, err)
	}
	if limit > MaxLimit {
		return Params{}, fmt.Errorf("%w: must be at most %d", ErrInvalidLimit, MaxLimit)
	}

	return Params{Page: page, Limit: limit}, nil
}

func parsePositive(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if value <= 0 {
		return 0, errors.New("must be greater than zero")
	}
	return value, nil
}
