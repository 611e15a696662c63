package warehouse

import (
	"strings"
	"testing"
)

func TestChunkRanges(t *testing.T) {
	tests := []struct {
		name  string
		total int
		size  int
		want  [][2]int
	}{
		{name: "empty", total: 0, size: 100, want: nil},
		{name: "single partial", total: 7, size: 100, want: [][2]int{{0, 7}}},
		{name: "exact multiple", total: 200, size: 100, want: [][2]int{{0, 100}, {100, 200}}},
		{
			// Backfill contract: 250k rows at chunk 100k load in exactly three
			// independently committed operations of 100k, 100k, 50k.
			name:  "backfill shape",
			total: 250000,
			size:  100000,
			want:  [][2]int{{0, 100000}, {100000, 200000}, {200000, 250000}},
		},
		{name: "non-positive size loads once", total: 42, size: 0, want: [][2]int{{0, 42}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkRanges(tt.total, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d ranges, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("range %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValuePlaceholders(t *testing.T) {
	got := valuePlaceholders(2, 3)
	want := "($1,$2,$3), ($4,$5,$6)"
	if got != want {
		t.Errorf("valuePlaceholders(2,3) = %q, want %q", got, want)
	}

	// Batch of 500 event rows must stay under Postgres' 65535 parameter cap.
	if n := strings.Count(valuePlaceholders(500, eventColumnCount), "$"); n != 500*eventColumnCount {
		t.Errorf("placeholder count = %d", n)
	}
}
