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

package collection

import "time"

// Summary is the navigation-index projection of a collection: the
// fields a browsing UI needs to render one tile, small enough to MGET
// hundreds at a time. It is stored as JSON under the index's data key
// and rebuilt from the collection document on every index upsert.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       Type      `json:"type"`
	LibraryID  string    `json:"libraryId,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	CoverImage string    `json:"coverImage,omitempty"`
	ImageCount int64     `json:"imageCount"`
	TotalSize  int64     `json:"totalSize"`
	ViewCount  int64     `json:"viewCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Summarize projects c into its index summary.
func Summarize(c *Collection) *Summary {
	s := &Summary{
		ID:         c.ID.Hex(),
		Name:       c.Name,
		Type:       c.Type,
		Tags:       c.Tags,
		CoverImage: c.CoverImage,
		ImageCount: c.Statistics.TotalItems,
		TotalSize:  c.Statistics.TotalSize,
		ViewCount:  c.ViewCount,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
	if c.LibraryID != nil {
		s.LibraryID = c.LibraryID.Hex()
	}
	if s.CoverImage == "" && len(c.Images) > 0 {
		s.CoverImage = c.Images[0].ID
	}
	return s
}
