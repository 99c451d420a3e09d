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
)

// SortField names an ordering attribute of collections. The same
// field names appear in store queries and in the navigation index's
// sorted-set keys.
type SortField string

const (
	SortUpdatedAt  SortField = "updatedAt"
	SortCreatedAt  SortField = "createdAt"
	SortName       SortField = "name"
	SortImageCount SortField = "imageCount"
	SortTotalSize  SortField = "totalSize"
)

// SortFields lists every valid sort field, in a fixed order used when
// enumerating index keys.
func SortFields() []SortField {
	return []SortField{SortUpdatedAt, SortCreatedAt, SortName, SortImageCount, SortTotalSize}
}

// ParseSortField returns the SortField named by s.
func ParseSortField(s string) (SortField, error) {
	for _, f := range SortFields() {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown sort field %q", s)
}

func (f SortField) String() string { return string(f) }

// Valid reports whether f is a known sort field.
func (f SortField) Valid() bool {
	for _, k := range SortFields() {
		if f == k {
			return true
		}
	}
	return false
}

// SortDirection is asc or desc.
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// ParseSortDirection returns the SortDirection named by s.
func ParseSortDirection(s string) (SortDirection, error) {
	switch d := SortDirection(strings.ToLower(s)); d {
	case Asc, Desc:
		return d, nil
	}
	return "", fmt.Errorf("unknown sort direction %q", s)
}

func (d SortDirection) String() string { return string(d) }

// Valid reports whether d is asc or desc.
func (d SortDirection) Valid() bool { return d == Asc || d == Desc }

// Sort pairs a field with a direction. The zero value is not valid;
// use DefaultSort.
type Sort struct {
	Field     SortField
	Direction SortDirection
}

// DefaultSort is the ordering used when a caller does not specify
// one: most recently updated first.
func DefaultSort() Sort {
	return Sort{Field: SortUpdatedAt, Direction: Desc}
}

// Valid reports whether both halves of s are known values.
func (s Sort) Valid() bool { return s.Field.Valid() && s.Direction.Valid() }

func (s Sort) String() string { return string(s.Field) + ":" + string(s.Direction) }
