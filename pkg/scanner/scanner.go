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

// Package scanner discovers images inside a collection path, probing
// each one for dimensions and metadata without decoding pixels.
//
// A scan never aborts on a single bad file: unreadable or corrupt
// entries are logged, counted and skipped, and the rest of the
// collection is still delivered.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/imageshelf/imageshelf/pkg/archive"
	"github.com/imageshelf/imageshelf/pkg/collection"
	"github.com/imageshelf/imageshelf/pkg/images"
)

// Item is one discovered image, probed but not decoded.
type Item struct {
	Filename     string
	RelativePath string
	FileSize     int64
	Width        int
	Height       int
	Format       string
	Metadata     *collection.ImageMetadata
}

// Summary counts a scan's outcome.
type Summary struct {
	// Found is the number of items delivered to the callback.
	Found int
	// Skipped counts files with a supported extension that could not
	// be probed.
	Skipped int
	// TotalSize sums the byte sizes of found items.
	TotalSize int64
}

// Scanner walks folders and archives. Safe for concurrent use.
type Scanner struct {
	codec *images.Codec
	log   *logrus.Entry
}

// New returns a Scanner probing through codec.
func New(codec *images.Codec) *Scanner {
	return &Scanner{
		codec: codec,
		log:   logrus.WithField("component", "scanner"),
	}
}

// DetectType reports how the path would be read: folder or one of the
// archive types.
func (s *Scanner) DetectType(p string) (collection.Type, error) {
	return archive.DetectType(p)
}

// IsValidCollectionPath reports whether p exists and is something a
// collection can be created from.
func (s *Scanner) IsValidCollectionPath(p string) bool {
	fi, err := os.Stat(p)
	if err != nil {
		return false
	}
	if fi.IsDir() {
		return true
	}
	_, err = archive.DetectType(p)
	return err == nil
}

// Scan dispatches on typ and delivers every probed image to fn in
// discovery order. A fn error stops the scan and is returned.
func (s *Scanner) Scan(ctx context.Context, p string, typ collection.Type, fn func(Item) error) (Summary, error) {
	if typ.IsArchive() {
		return s.ScanArchive(ctx, p, typ, fn)
	}
	return s.ScanFolder(ctx, p, fn)
}

// ScanFolder walks root depth-first, probing every file with a
// supported image extension. An empty folder yields an empty summary
// and no error.
func (s *Scanner) ScanFolder(ctx context.Context, root string, fn func(Item) error) (Summary, error) {
	var sum Summary
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			s.log.WithError(err).Warnf("skipping unreadable %s", p)
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		if !images.IsSupported(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			s.log.WithError(err).Warnf("skipping %s: stat failed", p)
			sum.Skipped++
			return nil
		}
		info, err := s.codec.Probe(p)
		if err != nil {
			s.log.WithError(err).Warnf("skipping %s: probe failed", p)
			sum.Skipped++
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("scanner: rel %s: %w", p, err)
		}
		item := Item{
			Filename:     d.Name(),
			RelativePath: filepath.ToSlash(rel),
			FileSize:     fi.Size(),
			Width:        info.Width,
			Height:       info.Height,
			Format:       info.Format,
			Metadata:     s.fileMetadata(p, info.Format),
		}
		if err := fn(item); err != nil {
			return err
		}
		sum.Found++
		sum.TotalSize += fi.Size()
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("scanner: walk %s: %w", root, err)
	}
	return sum, nil
}

// fileMetadata extracts EXIF from formats that carry it. Best-effort.
func (s *Scanner) fileMetadata(p, format string) *collection.ImageMetadata {
	if format != "jpeg" && format != "tiff" {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return nil
	}
	defer f.Close()
	return s.codec.ExtractMetadata(f)
}

// ScanArchive streams the archive's entries, probing each supported
// image without extracting the archive to disk.
func (s *Scanner) ScanArchive(ctx context.Context, p string, typ collection.Type, fn func(Item) error) (Summary, error) {
	var sum Summary
	r, err := archive.Open(p, typ)
	if err != nil {
		return sum, err
	}
	defer r.Close()

	for {
		if cerr := ctx.Err(); cerr != nil {
			return sum, cerr
		}
		entry, err := r.Next()
		if err == io.EOF {
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		if !images.IsSupported(entry.Name) {
			continue
		}
		item, ok := s.probeEntry(entry)
		if !ok {
			sum.Skipped++
			continue
		}
		if err := fn(item); err != nil {
			return sum, err
		}
		sum.Found++
		sum.TotalSize += item.FileSize
	}
}

// probeEntry probes one archive entry. The header bytes consumed by
// the probe are replayed in front of the remaining stream for EXIF
// extraction, so the entry is read at most once.
func (s *Scanner) probeEntry(entry *archive.Entry) (Item, bool) {
	rc, err := entry.Open()
	if err != nil {
		s.log.WithError(err).Warnf("skipping %s: open failed", entry.Name)
		return Item{}, false
	}
	defer rc.Close()

	header := new(bytes.Buffer)
	info, err := s.codec.ProbeReader(io.TeeReader(rc, header))
	if err != nil {
		s.log.WithError(err).Warnf("skipping %s: probe failed", entry.Name)
		return Item{}, false
	}

	var md *collection.ImageMetadata
	if info.Format == "jpeg" || info.Format == "tiff" {
		md = s.codec.ExtractMetadata(io.MultiReader(bytes.NewReader(header.Bytes()), rc))
	}

	return Item{
		Filename:     path.Base(entry.Name),
		RelativePath: entry.Name,
		FileSize:     entry.Size,
		Width:        info.Width,
		Height:       info.Height,
		Format:       info.Format,
		Metadata:     md,
	}, true
}
