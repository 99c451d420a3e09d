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
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/imageshelf/imageshelf/pkg/collection"
)

// DefaultPageSize is used when a caller passes pageSize <= 0.
const DefaultPageSize = 20

// Navigation is the prev/next answer for one collection under one
// sort order. Position is 1-based.
type Navigation struct {
	PrevID      string `json:"prevId,omitempty"`
	NextID      string `json:"nextId,omitempty"`
	Position    int64  `json:"position"`
	Total       int64  `json:"total"`
	HasPrevious bool   `json:"hasPrevious"`
	HasNext     bool   `json:"hasNext"`
}

// SiblingsPage is one page of the corpus around (or relative to) a
// current collection.
type SiblingsPage struct {
	Siblings        []collection.Summary `json:"siblings"`
	CurrentPosition int64                `json:"currentPosition"`
	CurrentPage     int                  `json:"currentPage"`
	PageSize        int                  `json:"pageSize"`
	TotalPages      int                  `json:"totalPages"`
	Total           int64                `json:"total"`
}

// Page is one absolute page of the corpus.
type Page struct {
	Items      []collection.Summary `json:"items"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"pageSize"`
	TotalPages int                  `json:"totalPages"`
	Total      int64                `json:"total"`
}

// GetNavigation returns the neighbors of id under sort.
// ErrNotIndexed when id is not in the set.
func (x *Index) GetNavigation(ctx context.Context, id string, sort collection.Sort) (*Navigation, error) {
	if !sort.Valid() {
		sort = collection.DefaultSort()
	}
	key := sortedKey(sort)
	rank, err := x.c.ZRank(ctx, key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, id)
	}
	if err != nil {
		return nil, fmt.Errorf("index: rank %s: %w", id, err)
	}
	total, err := x.c.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("index: card %s: %w", key, err)
	}
	nav := &Navigation{
		Position:    rank + 1,
		Total:       total,
		HasPrevious: rank > 0,
		HasNext:     rank < total-1,
	}
	if nav.HasPrevious {
		ids, err := x.c.ZRange(ctx, key, rank-1, rank-1).Result()
		if err != nil {
			return nil, fmt.Errorf("index: prev of %s: %w", id, err)
		}
		if len(ids) == 1 {
			nav.PrevID = ids[0]
		}
	}
	if nav.HasNext {
		ids, err := x.c.ZRange(ctx, key, rank+1, rank+1).Result()
		if err != nil {
			return nil, fmt.Errorf("index: next of %s: %w", id, err)
		}
		if len(ids) == 1 {
			nav.NextID = ids[0]
		}
	}
	return nav, nil
}

// GetSiblings pages the corpus relative to id. page <= 1 selects the
// page containing id, so arrow-key navigation lands on the current
// page; any larger page number is absolute, so numbered pagination
// works too. An id absent from the index yields an empty page, not
// an error.
func (x *Index) GetSiblings(ctx context.Context, id string, page, pageSize int, sort collection.Sort) (*SiblingsPage, error) {
	if !sort.Valid() {
		sort = collection.DefaultSort()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	key := sortedKey(sort)
	rank, err := x.c.ZRank(ctx, key, id).Result()
	if errors.Is(err, redis.Nil) {
		return &SiblingsPage{Siblings: []collection.Summary{}, PageSize: pageSize}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: rank %s: %w", id, err)
	}
	total, err := x.c.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("index: card %s: %w", key, err)
	}
	page = pageOf(page, pageSize, rank)
	sums, err := x.page(ctx, key, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &SiblingsPage{
		Siblings:        sums,
		CurrentPosition: rank + 1,
		CurrentPage:     page,
		PageSize:        pageSize,
		TotalPages:      pageCount(total, pageSize),
		Total:           total,
	}, nil
}

// GetPage returns an absolute page of the whole corpus.
func (x *Index) GetPage(ctx context.Context, page, pageSize int, sort collection.Sort) (*Page, error) {
	if !sort.Valid() {
		sort = collection.DefaultSort()
	}
	return x.absolutePage(ctx, sortedKey(sort), page, pageSize)
}

// GetByLibrary returns an absolute page of one library's collections.
func (x *Index) GetByLibrary(ctx context.Context, libraryID string, page, pageSize int, sort collection.Sort) (*Page, error) {
	if !sort.Valid() {
		sort = collection.DefaultSort()
	}
	return x.absolutePage(ctx, libraryKey(libraryID, sort), page, pageSize)
}

// GetByType returns an absolute page of one collection type.
func (x *Index) GetByType(ctx context.Context, t collection.Type, page, pageSize int, sort collection.Sort) (*Page, error) {
	if !sort.Valid() {
		sort = collection.DefaultSort()
	}
	return x.absolutePage(ctx, typeKey(t, sort), page, pageSize)
}

// Count returns the indexed collection count.
func (x *Index) Count(ctx context.Context) (int64, error) {
	return x.card(ctx, sortedKey(collection.DefaultSort()))
}

// CountByLibrary returns one library's indexed collection count.
func (x *Index) CountByLibrary(ctx context.Context, libraryID string) (int64, error) {
	return x.card(ctx, libraryKey(libraryID, collection.DefaultSort()))
}

// CountByType returns one type's indexed collection count.
func (x *Index) CountByType(ctx context.Context, t collection.Type) (int64, error) {
	return x.card(ctx, typeKey(t, collection.DefaultSort()))
}

func (x *Index) card(ctx context.Context, key string) (int64, error) {
	n, err := x.c.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("index: card %s: %w", key, err)
	}
	return n, nil
}

func (x *Index) absolutePage(ctx context.Context, key string, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total, err := x.c.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("index: card %s: %w", key, err)
	}
	items, err := x.page(ctx, key, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &Page{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: pageCount(total, pageSize),
		Total:      total,
	}, nil
}

// page fetches the members of one page and resolves their summaries.
func (x *Index) page(ctx context.Context, key string, page, pageSize int) ([]collection.Summary, error) {
	start := int64(page-1) * int64(pageSize)
	stop := start + int64(pageSize) - 1
	ids, err := x.c.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("index: range %s: %w", key, err)
	}
	return x.summaries(ctx, ids)
}

// pageOf picks the page to serve: explicit pages past the first are
// absolute, page <= 1 means the page containing rank.
func pageOf(page, pageSize int, rank int64) int {
	if page > 1 {
		return page
	}
	return int(rank)/pageSize + 1
}

// pageCount is ceil(total/pageSize).
func pageCount(total int64, pageSize int) int {
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
