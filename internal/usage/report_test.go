package usage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildReportTree() *Tree {
	agg := NewAggregator(nil)
	agg.StartRepository("medium")
	agg.AddTag("big", []Layer{layer("M1", 500)})
	agg.AddTag("small", []Layer{layer("M1", 500)})
	agg.StartRepository("small")
	agg.AddTag("only", []Layer{layer("S1", 10)})
	agg.StartRepository("zbig")
	agg.AddTag("only", []Layer{layer("B1", 9000)})
	return agg.Finish()
}

func TestParseSortOrder(t *testing.T) {
	tests := []struct {
		input   string
		want    SortOrder
		wantErr bool
	}{
		{"name", SortByName, false},
		{"size", SortBySize, false},
		{"disksize", SortByDiskSize, false},
		{"", SortByName, false},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSortOrder(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSortOrder(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSortOrder(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseSortOrder(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSortedRepositories(t *testing.T) {
	tree := buildReportTree()

	tests := []struct {
		order SortOrder
		want  []string
	}{
		{SortByName, []string{"medium", "small", "zbig"}},
		{SortBySize, []string{"small", "medium", "zbig"}},
		{SortByDiskSize, []string{"small", "medium", "zbig"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.order), func(t *testing.T) {
			got := tree.SortedRepositories(tt.order)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSortedTags(t *testing.T) {
	tree := buildReportTree()
	repo := tree.Repositories["medium"]

	if diff := cmp.Diff([]string{"big", "small"}, repo.SortedTags(SortByName)); diff != "" {
		t.Errorf("name order mismatch (-want +got):\n%s", diff)
	}
	// "small" was processed second, so its disk size is 0 and it
	// sorts first by disksize.
	if diff := cmp.Diff([]string{"small", "big"}, repo.SortedTags(SortByDiskSize)); diff != "" {
		t.Errorf("disksize order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortedRepositories_NoInfoSortsFirstBySize(t *testing.T) {
	agg := NewAggregator(nil)
	agg.StartRepository("aaa")
	agg.AddTag("v1", []Layer{layer("L1", 100)})
	agg.MarkRepositoryUnfetchable("zzz")
	tree := agg.Finish()

	got := tree.SortedRepositories(SortBySize)
	if diff := cmp.Diff([]string{"zzz", "aaa"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}
