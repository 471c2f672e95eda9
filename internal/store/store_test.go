package store

import "testing"

func TestPageOf(t *testing.T) {
	tests := []struct {
		page, limit         int
		wantSkip, wantLimit int64
		wantPage            int
	}{
		{1, 10, 0, 10, 1},
		{3, 10, 20, 10, 3},
		{0, 0, 0, DefaultPageLimit, 1},
		{-2, 5, 0, 5, 1},
		{2, 1000, MaxPageLimit, MaxPageLimit, 2},
	}
	for _, tt := range tests {
		p, page, limit := PageOf(tt.page, tt.limit)
		if p.Skip != tt.wantSkip || p.Limit != tt.wantLimit || page != tt.wantPage || int64(limit) != tt.wantLimit {
			t.Errorf("PageOf(%d, %d) = %+v, %d, %d", tt.page, tt.limit, p, page, limit)
		}
	}
}

func TestTotalPages(t *testing.T) {
	tests := []struct {
		total int64
		limit int
		want  int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{25, 0, 0},
	}
	for _, tt := range tests {
		if got := TotalPages(tt.total, tt.limit); got != tt.want {
			t.Errorf("TotalPages(%d, %d) = %d, want %d", tt.total, tt.limit, got, tt.want)
		}
	}
}
