// README: Haversine, ETA band and distance sort tests.
package geo

import (
	"math"
	"testing"

	"rideline/internal/types"
)

func TestDistance_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 28.60, Lng: 77.20},
			b:         types.Point{Lat: 28.60, Lng: 77.20},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Connaught Place to south east Delhi (~7.5km)",
			a:         types.Point{Lat: 28.60, Lng: 77.20},
			b:         types.Point{Lat: 28.55, Lng: 77.25},
			wantKm:    7.5,
			tolerance: 0.3,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("Distance() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestDistance_Symmetry(t *testing.T) {
	a := types.Point{Lat: 25.0, Lng: 121.0}
	b := types.Point{Lat: 26.0, Lng: 122.0}
	if d1, d2 := Distance(a, b), Distance(b, a); math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestETA_Bands(t *testing.T) {
	tests := []struct {
		km   float64
		want string
	}{
		{0, "1-2 min"},
		{0.5, "1-2 min"},
		{0.67, "2-5 min"},
		{1.5, "2-5 min"},
		{2.0, "5-10 min"},
		{3.2, "5-10 min"},
		{4.0, "10-15 min"},
		{3.4, "10-15 min"},
		{5.0, "15+ min"},
		{50, "15+ min"},
	}
	for _, tt := range tests {
		if got := ETA(tt.km); got != tt.want {
			t.Errorf("ETA(%v) = %q, want %q", tt.km, got, tt.want)
		}
	}
}

func TestETA_Monotonic(t *testing.T) {
	rank := map[string]int{"1-2 min": 0, "2-5 min": 1, "5-10 min": 2, "10-15 min": 3, "15+ min": 4}
	prev := -1
	for km := 0.0; km <= 10; km += 0.05 {
		r, ok := rank[ETA(km)]
		if !ok {
			t.Fatalf("unexpected label %q", ETA(km))
		}
		if r < prev {
			t.Fatalf("ETA decreased at %.2f km", km)
		}
		prev = r
	}
}

func TestFormatDistance(t *testing.T) {
	if got := FormatDistance(0.85); got != "850 m" {
		t.Errorf("FormatDistance(0.85) = %q", got)
	}
	if got := FormatDistance(3.24); got != "3.2 km" {
		t.Errorf("FormatDistance(3.24) = %q", got)
	}
}

type candidate struct {
	id   string
	dist float64
}

func TestSortByDistance(t *testing.T) {
	items := []candidate{{"c", 5}, {"a", 1}, {"b", 3}, {"a2", 1}}
	SortByDistance(items, func(c candidate) float64 { return c.dist })
	want := []string{"a", "a2", "b", "c"}
	for i, w := range want {
		if items[i].id != w {
			t.Fatalf("unexpected sort order: %v", items)
		}
	}
}

func TestSortByDistance_Empty(t *testing.T) {
	var items []candidate
	SortByDistance(items, func(c candidate) float64 { return c.dist })
}
