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
	"time"

	"github.com/redis/go-redis/v9"
)

// maxThumbTTL caps how long a cached thumbnail blob may outlive the
// file it mirrors.
const maxThumbTTL = 30 * 24 * time.Hour

// GetCachedThumbnail returns the cached cover thumbnail for a
// collection, or ErrNotIndexed on a miss.
func (x *Index) GetCachedThumbnail(ctx context.Context, collectionID string) ([]byte, error) {
	b, err := x.c.Get(ctx, thumbKey(collectionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: thumb %s", ErrNotIndexed, collectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get thumb %s: %w", collectionID, err)
	}
	return b, nil
}

// SetCachedThumbnail stores one thumbnail blob under the index's TTL.
func (x *Index) SetCachedThumbnail(ctx context.Context, collectionID string, data []byte) error {
	if err := x.c.Set(ctx, thumbKey(collectionID), data, x.thumbTTL).Err(); err != nil {
		return fmt.Errorf("index: set thumb %s: %w", collectionID, err)
	}
	return nil
}

// SetCachedThumbnails stores many blobs in one pipeline, for page
// prewarming.
func (x *Index) SetCachedThumbnails(ctx context.Context, thumbs map[string][]byte) error {
	if len(thumbs) == 0 {
		return nil
	}
	pipe := x.c.Pipeline()
	for id, data := range thumbs {
		pipe.Set(ctx, thumbKey(id), data, x.thumbTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index: batch set thumbs: %w", err)
	}
	return nil
}
