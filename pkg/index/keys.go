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
	"fmt"
	"hash/fnv"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/imageshelf/imageshelf/pkg/collection"
)

// Key schema. Every key lives under one prefix so a rebuild can
// clear the sorted sets and summaries with two SCAN patterns while
// the thumbnail blobs age out on their own TTL.
//
//	collection_index:sorted:<field>:<asc|desc>                primary sets
//	collection_index:sorted:by_library:<id>:<field>:<dir>     per-library sets
//	collection_index:sorted:by_type:<type>:<field>:<dir>      per-type sets
//	collection_index:data:<id>                                JSON summary
//	collection_index:thumb:<id>                               thumbnail blob
//	collection_index:meta:last_rebuild, :meta:total
const keyPrefix = "collection_index"

const (
	keyMetaLastRebuild = keyPrefix + ":meta:last_rebuild"
	keyMetaTotal       = keyPrefix + ":meta:total"
)

func sortedKey(s collection.Sort) string {
	return fmt.Sprintf("%s:sorted:%s:%s", keyPrefix, s.Field, s.Direction)
}

func libraryKey(libraryID string, s collection.Sort) string {
	return fmt.Sprintf("%s:sorted:by_library:%s:%s:%s", keyPrefix, libraryID, s.Field, s.Direction)
}

func typeKey(t collection.Type, s collection.Sort) string {
	return fmt.Sprintf("%s:sorted:by_type:%s:%s:%s", keyPrefix, t, s.Field, s.Direction)
}

func dataKey(id string) string { return keyPrefix + ":data:" + id }

func thumbKey(id string) string { return keyPrefix + ":thumb:" + id }

// scoreFor returns the ascending score of c for field f. Descending
// sets store the negated score, so reads are always an ascending
// ZRANGE with rank 0 the first element to display.
func scoreFor(c *collection.Collection, f collection.SortField) float64 {
	switch f {
	case collection.SortCreatedAt:
		return float64(c.CreatedAt.UnixMilli())
	case collection.SortName:
		return float64(nameScore(c.Name))
	case collection.SortImageCount:
		return float64(c.Statistics.TotalItems)
	case collection.SortTotalSize:
		return float64(c.Statistics.TotalSize)
	default:
		return float64(c.UpdatedAt.UnixMilli())
	}
}

func signedScore(score float64, d collection.SortDirection) float64 {
	if d == collection.Desc {
		return -score
	}
	return score
}

// nameScore hashes the normalized (lowercased, NFC) name. Equal
// names land on one score regardless of case or Unicode form; hash
// order is stable but not alphabetical.
func nameScore(name string) uint32 {
	h := fnv.New32a()
	io.WriteString(h, norm.NFC.String(strings.ToLower(name)))
	return h.Sum32()
}
