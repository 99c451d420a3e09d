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

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Library groups collections under a common root directory. Deleting
// a library detaches its collections; it never deletes them.
type Library struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name        string             `bson:"name" json:"name"`
	Description string             `bson:"description,omitempty" json:"description,omitempty"`
	Path        string             `bson:"path" json:"path"`
	Settings    LibrarySettings    `bson:"settings" json:"settings"`
	Statistics  LibraryStatistics  `bson:"statistics" json:"statistics"`
	CreatedAt   time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// LibrarySettings control scan behavior. AutoScan pairs the library
// with a scheduled library-scan job; toggling it enables or disables
// that job, never creating a second one.
type LibrarySettings struct {
	AutoScan          bool   `bson:"autoScan" json:"autoScan"`
	AutoScanCron      string `bson:"autoScanCron,omitempty" json:"autoScanCron,omitempty"`
	OverwriteExisting bool   `bson:"overwriteExisting" json:"overwriteExisting"`
}

// LibraryStatistics aggregate over the library's live (non-deleted)
// collections. Maintained by the library service, not recomputed on
// read.
type LibraryStatistics struct {
	CollectionCount int64 `bson:"collectionCount" json:"collectionCount"`
	TotalImages     int64 `bson:"totalImages" json:"totalImages"`
	TotalSize       int64 `bson:"totalSize" json:"totalSize"`
}

// Validate reports the first structural problem with l, if any.
func (l *Library) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("library name is required")
	}
	if strings.TrimSpace(l.Path) == "" {
		return fmt.Errorf("library path is required")
	}
	return nil
}
