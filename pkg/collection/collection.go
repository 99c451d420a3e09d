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

// Package collection defines the document model shared by every
// imageshelf process: collections with their embedded image, thumbnail
// and cache-image records, libraries, scheduled jobs, and the summary
// shape served from the navigation index.
//
// A collection is the unit of browsing: one folder or one archive file
// on disk, holding an ordered set of images. All derived state (probe
// results, rendered thumbnails, cache renditions) is embedded in the
// collection document itself so that a single fetch returns everything
// a viewer needs.
package collection

import (
	"fmt"
	"path"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Type identifies how a collection's bytes are laid out on disk.
type Type string

const (
	TypeFolder   Type = "folder"
	TypeZip      Type = "zip"
	TypeSevenZip Type = "sevenzip"
	TypeRar      Type = "rar"
	TypeTar      Type = "tar"
)

// ParseType returns the Type named by s.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(s)); t {
	case TypeFolder, TypeZip, TypeSevenZip, TypeRar, TypeTar:
		return t, nil
	}
	return "", fmt.Errorf("unknown collection type %q", s)
}

func (t Type) String() string { return string(t) }

// IsArchive reports whether t is read through an archive container
// rather than a directory walk.
func (t Type) IsArchive() bool { return t != TypeFolder && t != "" }

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypeFolder, TypeZip, TypeSevenZip, TypeRar, TypeTar:
		return true
	}
	return false
}

// Collection is the primary document. Images, Thumbnails and
// CacheImages are append-mostly arrays mutated only through the
// store's atomic operations.
type Collection struct {
	ID         primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	Name       string              `bson:"name" json:"name"`
	Path       string              `bson:"path" json:"path"`
	Type       Type                `bson:"type" json:"type"`
	LibraryID  *primitive.ObjectID `bson:"libraryId,omitempty" json:"libraryId,omitempty"`
	OwnerID    string              `bson:"ownerId,omitempty" json:"ownerId,omitempty"`
	Tags       []string            `bson:"tags,omitempty" json:"tags,omitempty"`
	CoverImage string              `bson:"coverImage,omitempty" json:"coverImage,omitempty"`

	Images      []Image      `bson:"images" json:"images"`
	Thumbnails  []Thumbnail  `bson:"thumbnails" json:"thumbnails"`
	CacheImages []CacheImage `bson:"cacheImages" json:"cacheImages"`

	Statistics Statistics `bson:"statistics" json:"statistics"`
	ViewCount  int64      `bson:"viewCount" json:"viewCount"`

	Deleted   bool       `bson:"deleted" json:"deleted"`
	DeletedAt *time.Time `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
	CreatedAt time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// Statistics are maintained by the store alongside the arrays; they
// are never recomputed on read.
type Statistics struct {
	TotalItems int64 `bson:"totalItems" json:"totalItems"`
	TotalSize  int64 `bson:"totalSize" json:"totalSize"`
}

// Image is one probed source image inside a collection. The pair
// (Filename, RelativePath) is unique within a collection; ID is a
// generated identifier used by thumbnail and cache records.
type Image struct {
	ID           string         `bson:"id" json:"id"`
	Filename     string         `bson:"filename" json:"filename"`
	RelativePath string         `bson:"relativePath" json:"relativePath"`
	FileSize     int64          `bson:"fileSize" json:"fileSize"`
	Width        int            `bson:"width" json:"width"`
	Height       int            `bson:"height" json:"height"`
	Format       string         `bson:"format" json:"format"`
	Metadata     *ImageMetadata `bson:"metadata,omitempty" json:"metadata,omitempty"`
	ViewCount    int64          `bson:"viewCount" json:"viewCount"`
	AddedAt      time.Time      `bson:"addedAt" json:"addedAt"`
}

// ImageMetadata holds the EXIF fields worth indexing. Extraction is
// best-effort; absent tags keep their zero value and are omitted from
// the encoded document.
type ImageMetadata struct {
	Make         string     `bson:"make,omitempty" json:"make,omitempty"`
	Model        string     `bson:"model,omitempty" json:"model,omitempty"`
	TakenAt      *time.Time `bson:"takenAt,omitempty" json:"takenAt,omitempty"`
	Orientation  int        `bson:"orientation,omitempty" json:"orientation,omitempty"`
	ISO          int        `bson:"iso,omitempty" json:"iso,omitempty"`
	ExposureTime string     `bson:"exposureTime,omitempty" json:"exposureTime,omitempty"`
	FNumber      float64    `bson:"fNumber,omitempty" json:"fNumber,omitempty"`
	FocalLength  float64    `bson:"focalLength,omitempty" json:"focalLength,omitempty"`
	Latitude     *float64   `bson:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude    *float64   `bson:"longitude,omitempty" json:"longitude,omitempty"`
}

// Thumbnail records one rendered thumbnail file. (ImageID, Width,
// Height) is unique within a collection.
type Thumbnail struct {
	ImageID   string    `bson:"imageId" json:"imageId"`
	Width     int       `bson:"width" json:"width"`
	Height    int       `bson:"height" json:"height"`
	Path      string    `bson:"path" json:"path"`
	FileSize  int64     `bson:"fileSize" json:"fileSize"`
	Format    string    `bson:"format" json:"format"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// CacheImage records one full-size cache rendition, keyed like
// Thumbnail.
type CacheImage struct {
	ImageID   string    `bson:"imageId" json:"imageId"`
	Width     int       `bson:"width" json:"width"`
	Height    int       `bson:"height" json:"height"`
	Path      string    `bson:"path" json:"path"`
	FileSize  int64     `bson:"fileSize" json:"fileSize"`
	Format    string    `bson:"format" json:"format"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// Validate reports the first structural problem with c, if any.
// It checks the fields callers must supply; store-maintained fields
// (timestamps, statistics) are not its concern.
func (c *Collection) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("collection name is required")
	}
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("collection path is required")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("unknown collection type %q", c.Type)
	}
	return nil
}

// FindImage returns the embedded image with the given id, or nil.
func (c *Collection) FindImage(imageID string) *Image {
	for i := range c.Images {
		if c.Images[i].ID == imageID {
			return &c.Images[i]
		}
	}
	return nil
}

// FindThumbnail returns the thumbnail record for (imageID, w, h),
// or nil.
func (c *Collection) FindThumbnail(imageID string, w, h int) *Thumbnail {
	for i := range c.Thumbnails {
		t := &c.Thumbnails[i]
		if t.ImageID == imageID && t.Width == w && t.Height == h {
			return t
		}
	}
	return nil
}

// FindCacheImage returns the cache record for (imageID, w, h), or nil.
func (c *Collection) FindCacheImage(imageID string, w, h int) *CacheImage {
	for i := range c.CacheImages {
		ci := &c.CacheImages[i]
		if ci.ImageID == imageID && ci.Width == w && ci.Height == h {
			return ci
		}
	}
	return nil
}

// RecomputeStatistics rebuilds the statistics block from the images
// array, discarding whatever the incremental bookkeeping had.
func (c *Collection) RecomputeStatistics() {
	var s Statistics
	s.TotalItems = int64(len(c.Images))
	for i := range c.Images {
		s.TotalSize += c.Images[i].FileSize
	}
	c.Statistics = s
}

// ThumbnailRelPath returns the path of a thumbnail file relative to
// the data directory: thumbnails/<collectionId>/<imageId>_<w>x<h>.<ext>.
func ThumbnailRelPath(collectionID primitive.ObjectID, imageID string, w, h int, ext string) string {
	return renditionRelPath("thumbnails", collectionID, imageID, w, h, ext)
}

// CacheRelPath returns the path of a cache rendition file relative to
// the data directory: cache/<collectionId>/<imageId>_<w>x<h>.<ext>.
func CacheRelPath(collectionID primitive.ObjectID, imageID string, w, h int, ext string) string {
	return renditionRelPath("cache", collectionID, imageID, w, h, ext)
}

func renditionRelPath(root string, collectionID primitive.ObjectID, imageID string, w, h int, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return path.Join(root, collectionID.Hex(), fmt.Sprintf("%s_%dx%d.%s", imageID, w, h, ext))
}
