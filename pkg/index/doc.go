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

/*
Package index maintains the Redis navigation index: sorted sets over
the collection corpus for every sort order, JSON summaries for cheap
page rendering, and a TTL'd cache of collection thumbnails.

The index is derived data. The collection store remains the source of
truth; every write here is best-effort and every reader is expected
to fall back to the store when a lookup misses (ErrNotIndexed) or
Redis is down, and a Rebuild reconciles the index from the store.

Sorted sets exist per (field, direction) pair, globally and scoped
per library and per type. Descending sets negate the score so that
every read is an ascending ZRANGE and rank 0 is always the first
element to display.
*/
package index
