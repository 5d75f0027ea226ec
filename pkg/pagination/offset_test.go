package pagination

import (
	"net/http"
	"net/url"
	"testing"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, DefaultLimit},
		{-1, DefaultLimit},
		{1, 1},
		{50, 50},
		{500, 500},
		{501, MaxLimit},
		{1000, MaxLimit},
	}

	for _, tt := range tests {
		if got := ClampLimit(tt.input); got != tt.expected {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name       string
		rawQuery   string
		wantLimit  int
		wantOffset int
	}{
		{"empty", "", DefaultLimit, 0},
		{"explicit values", "limit=10&offset=20", 10, 20},
		{"over max limit", "limit=9999", MaxLimit, 0},
		{"negative offset", "offset=-5", DefaultLimit, 0},
		{"non-numeric falls back", "limit=abc&offset=xyz", DefaultLimit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{URL: &url.URL{RawQuery: tt.rawQuery}}
			params := ParseQuery(r)
			if params.Limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", params.Limit, tt.wantLimit)
			}
			if params.Offset != tt.wantOffset {
				t.Errorf("offset = %d, want %d", params.Offset, tt.wantOffset)
			}
		})
	}
}

func TestBuildPage(t *testing.T) {
	tests := []struct {
		name       string
		params     Params
		total      int
		wantPage   int
		wantPages  int
		wantPgSize int
	}{
		{"first page", Params{Limit: 50, Offset: 0}, 120, 1, 3, 50},
		{"second page", Params{Limit: 50, Offset: 50}, 120, 2, 3, 50},
		{"partial last page", Params{Limit: 50, Offset: 100}, 120, 3, 3, 50},
		{"empty result set", Params{Limit: 50, Offset: 0}, 0, 1, 0, 50},
		{"exact multiple", Params{Limit: 25, Offset: 25}, 100, 2, 4, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildPage(tt.params, tt.total)
			if got.Page != tt.wantPage {
				t.Errorf("page = %d, want %d", got.Page, tt.wantPage)
			}
			if got.TotalPages != tt.wantPages {
				t.Errorf("total_pages = %d, want %d", got.TotalPages, tt.wantPages)
			}
			if got.PageSize != tt.wantPgSize {
				t.Errorf("page_size = %d, want %d", got.PageSize, tt.wantPgSize)
			}
			if got.TotalItems != tt.total {
				t.Errorf("total_items = %d, want %d", got.TotalItems, tt.total)
			}
		})
	}
}
