package pagination

import (
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Page != 1 || params.Limit != DefaultLimit {
		t.Fatalf("expected page 1 limit %d, got %+v", DefaultLimit, params)
	}
	if params.Offset() != 0 {
		t.Fatalf("expected zero offset, got %d", params.Offset())
	}
}

func TestParseValues(t *testing.T) {
	req := httptest.NewRequest("GET", "/orders/me?page=3&limit=25", nil)
	params, err := FromRequest(req)
	if err != nil {
		t.Fatalf("FromRequest returned error: %v", err)
	}
	if params.Page != 3 || params.Limit != 25 {
		t.Fatalf("unexpected params %+v", params)
	}
	if params.Offset() != 50 {
		t.Fatalf("expected offset 50, got %d", params.Offset())
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		query url.Values
		want  error
	}{
		{name: "non numeric page", query: url.Values{"page": {"abc"}}, want: ErrInvalidPage},
		{name: "zero page", query: url.Values{"page": {"0"}}, want: ErrInvalidPage},
		{name: "negative limit", query: url.Values{"limit": {"-1"}}, want: ErrInvalidLimit},
		{name: "limit above max", query: url.Values{"limit": {"101"}}, want: ErrInvalidLimit},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.query); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPages(t *testing.T) {
	if got := Pages(0, 10); got != 0 {
		t.Fatalf("expected 0 pages, got %d", got)
	}
	if got := Pages(21, 10); got != 3 {
		t.Fatalf("expected 3 pages, got %d", got)
	}
	if got := Pages(20, 10); got != 2 {
		t.Fatalf("expected 2 pages, got %d", got)
	}
}

func TestNormalize(t *testing.T) {
	params := Params{Page: 0, Limit: 500}.Normalize()
	if params.Page != 1 || params.Limit != MaxLimit {
		t.Fatalf("unexpected normalized params %+v", params)
	}
}
