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

package images

import (
	"fmt"
	"io"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/imageshelf/imageshelf/pkg/collection"
)

// ExtractMetadata reads EXIF from r and returns whatever fields were
// present, or nil when the image carries no usable EXIF. It is
// best-effort by design: a corrupt or absent EXIF block is not an
// error, and no single bad tag discards the rest.
func (c *Codec) ExtractMetadata(r io.Reader) *collection.ImageMetadata {
	x, err := exif.Decode(r)
	if err != nil {
		return nil
	}
	md := &collection.ImageMetadata{}
	got := false

	if s, err := stringTag(x, exif.Make); err == nil {
		md.Make, got = s, true
	}
	if s, err := stringTag(x, exif.Model); err == nil {
		md.Model, got = s, true
	}
	if t, err := x.DateTime(); err == nil {
		md.TakenAt, got = &t, true
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if n, err := tag.Int(0); err == nil {
			md.Orientation, got = n, true
		}
	}
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if n, err := tag.Int(0); err == nil {
			md.ISO, got = n, true
		}
	}
	if tag, err := x.Get(exif.ExposureTime); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			md.ExposureTime, got = fmt.Sprintf("%d/%d", num, den), true
		}
	}
	if tag, err := x.Get(exif.FNumber); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			md.FNumber, got = float64(num)/float64(den), true
		}
	}
	if tag, err := x.Get(exif.FocalLength); err == nil {
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			md.FocalLength, got = float64(num)/float64(den), true
		}
	}
	if lat, long, err := x.LatLong(); err == nil {
		md.Latitude, md.Longitude, got = &lat, &long, true
	}

	if !got {
		return nil
	}
	return md
}

func stringTag(x *exif.Exif, name exif.FieldName) (string, error) {
	tag, err := x.Get(name)
	if err != nil {
		return "", err
	}
	return tag.StringVal()
}
