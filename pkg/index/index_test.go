/*
Copyright 2025 The Imageshelf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package index

import (
	"testing"
	"time"

	"github.com/imageshelf/imageshelf/pkg/collection"
)

func TestKeyShapes(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{sortedKey(collection.Sort{Field: collection.SortUpdatedAt, Direction: collection.Desc}),
			"collection_index:sorted:updatedAt:desc"},
		{sortedKey(collection.Sort{Field: collection.SortName, Direction: collection.Asc}),
			"collection_index:sorted:name:asc"},
		{libraryKey("65f0c7a1b2c3d4e5f6a7b8c9", collection.Sort{Field: collection.SortCreatedAt, Direction: collection.Asc}),
			"collection_index:sorted:by_library:65f0c7a1b2c3d4e5f6a7b8c9:createdAt:asc"},
		{typeKey(collection.TypeZip, collection.Sort{Field: collection.SortTotalSize, Direction: collection.Desc}),
			"collection_index:sorted:by_type:zip:totalSize:desc"},
		{dataKey("abc"), "collection_index:data:abc"},
		{thumbKey("abc"), "collection_index:thumb:abc"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q; want %q", tt.got, tt.want)
		}
	}
}

func TestScoreFor(t *testing.T) {
	created := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	updated := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &collection.Collection{
		Name:      "Vacation",
		CreatedAt: created,
		UpdatedAt: updated,
		Statistics: collection.Statistics{
			TotalItems: 42,
			TotalSize:  1 << 20,
		},
	}
	tests := []struct {
		field collection.SortField
		want  float64
	}{
		{collection.SortUpdatedAt, float64(updated.UnixMilli())},
		{collection.SortCreatedAt, float64(created.UnixMilli())},
		{collection.SortName, float64(nameScore("Vacation"))},
		{collection.SortImageCount, 42},
		{collection.SortTotalSize, 1 << 20},
	}
	for _, tt := range tests {
		if got := scoreFor(c, tt.field); got != tt.want {
			t.Errorf("scoreFor(%s) = %v; want %v", tt.field, got, tt.want)
		}
	}
}

func TestNameScoreNormalization(t *testing.T) {
	composed := "Café"
	decomposed := "Café"
	if nameScore(composed) != nameScore(decomposed) {
		t.Error("NFC and NFD forms of the same name scored differently")
	}
	if nameScore("CAFÉ") != nameScore(composed) {
		t.Error("case variants of the same name scored differently")
	}
	if nameScore("alpha") == nameScore("beta") {
		t.Error("distinct names collided")
	}
}

func TestSignedScore(t *testing.T) {
	if got := signedScore(17, collection.Asc); got != 17 {
		t.Errorf("asc score = %v; want 17", got)
	}
	if got := signedScore(17, collection.Desc); got != -17 {
		t.Errorf("desc score = %v; want -17", got)
	}
}

func TestPageMath(t *testing.T) {
	// Rank 47 at page size 20 lives on page 3 (ranks 40-59).
	if got := pageOf(1, 20, 47); got != 3 {
		t.Errorf("pageOf(1, 20, rank 47) = %d; want 3", got)
	}
	if got := pageOf(0, 20, 47); got != 3 {
		t.Errorf("pageOf(0, 20, rank 47) = %d; want 3", got)
	}
	// Explicit pages beyond the first are absolute.
	if got := pageOf(2, 20, 47); got != 2 {
		t.Errorf("pageOf(2, 20, rank 47) = %d; want 2", got)
	}
	if got := pageOf(1, 20, 0); got != 1 {
		t.Errorf("pageOf(1, 20, rank 0) = %d; want 1", got)
	}

	tests := []struct {
		total    int64
		pageSize int
		want     int
	}{
		{100, 20, 5},
		{81, 20, 5},
		{80, 20, 4},
		{1, 20, 1},
		{0, 20, 0},
	}
	for _, tt := range tests {
		if got := pageCount(tt.total, tt.pageSize); got != tt.want {
			t.Errorf("pageCount(%d, %d) = %d; want %d", tt.total, tt.pageSize, got, tt.want)
		}
	}
}

func TestAllSorts(t *testing.T) {
	sorts := allSorts()
	if len(sorts) != 10 {
		t.Fatalf("got %d sorts; want 10", len(sorts))
	}
	seen := map[string]bool{}
	for _, s := range sorts {
		if !s.Valid() {
			t.Errorf("invalid sort %v", s)
		}
		if seen[s.String()] {
			t.Errorf("duplicate sort %v", s)
		}
		seen[s.String()] = true
	}
}
