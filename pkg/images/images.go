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

// Package images probes and renders the image formats imageshelf
// accepts: jpeg, png, gif, bmp, webp and tiff.
//
// Probing never decodes pixel data; it reads just enough of the
// header for dimensions and format, and remembers results per
// (path, size, mtime) in a small LRU. Rendering decodes under a
// RAM semaphore so a fleet of workers cannot all inflate large
// images at once.
package images

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
	"go4.org/syncutil"

	// Decoders for every supported format. BMP and TIFF encoders are
	// registered through the imaging package; webp is decode-only and
	// renders as jpeg.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned for files that are not a supported
// image format (or not an image at all).
var ErrUnsupportedFormat = fmt.Errorf("images: unsupported image format")

// Rendering quality defaults. Thumbnails are kept crisper than cache
// renditions, which trade a little quality for size.
const (
	DefaultThumbQuality = 90
	DefaultCacheQuality = 85
)

// This is the maximum concurrent number of bytes we allocate for
// uncompressed pixel data while rendering.
const defaultMaxResizeBytes = 256 << 20

var extFormat = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".gif":  "gif",
	".bmp":  "bmp",
	".webp": "webp",
	".tif":  "tiff",
	".tiff": "tiff",
}

// IsSupported reports whether the file name's extension belongs to a
// supported image format.
func IsSupported(name string) bool {
	_, ok := extFormat[strings.ToLower(filepath.Ext(name))]
	return ok
}

// FormatForExt returns the canonical format name for a file
// extension ("jpeg" for ".jpg").
func FormatForExt(ext string) (string, bool) {
	f, ok := extFormat[strings.ToLower(ext)]
	return f, ok
}

// ExtForFormat returns the preferred file extension (without dot)
// for a format name.
func ExtForFormat(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "tiff":
		return "tif"
	default:
		return format
	}
}

// Info is the result of a probe: dimensions and detected format,
// without any pixel decode.
type Info struct {
	Width  int
	Height int
	Format string
}

// Options configure a Codec. Zero values select the defaults above.
type Options struct {
	ThumbQuality   int
	CacheQuality   int
	MaxResizeBytes int64
	// ProbeCacheEntries bounds the probe LRU; 0 means 4096.
	ProbeCacheEntries int
}

// Codec probes and renders images. Safe for concurrent use.
type Codec struct {
	opts   Options
	sem    *syncutil.Sem
	probes *lru.Cache[probeKey, Info]
}

type probeKey struct {
	path  string
	size  int64
	mtime int64
}

// New returns a Codec with opts applied over the defaults.
func New(opts Options) (*Codec, error) {
	if opts.ThumbQuality == 0 {
		opts.ThumbQuality = DefaultThumbQuality
	}
	if opts.CacheQuality == 0 {
		opts.CacheQuality = DefaultCacheQuality
	}
	if opts.MaxResizeBytes == 0 {
		opts.MaxResizeBytes = defaultMaxResizeBytes
	}
	if opts.ProbeCacheEntries == 0 {
		opts.ProbeCacheEntries = 4096
	}
	probes, err := lru.New[probeKey, Info](opts.ProbeCacheEntries)
	if err != nil {
		return nil, err
	}
	return &Codec{
		opts:   opts,
		sem:    syncutil.NewSem(opts.MaxResizeBytes),
		probes: probes,
	}, nil
}

// ThumbQuality returns the configured thumbnail JPEG quality.
func (c *Codec) ThumbQuality() int { return c.opts.ThumbQuality }

// CacheQuality returns the configured cache-rendition JPEG quality.
func (c *Codec) CacheQuality() int { return c.opts.CacheQuality }

// Probe returns dimensions and format of the image file at path,
// consulting the probe cache keyed by (path, size, mtime).
func (c *Codec) Probe(path string) (Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	key := probeKey{path: path, size: fi.Size(), mtime: fi.ModTime().UnixNano()}
	if info, ok := c.probes.Get(key); ok {
		return info, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	info, err := c.ProbeReader(f)
	if err != nil {
		return Info{}, err
	}
	c.probes.Add(key, info)
	return info, nil
}

// ProbeReader reads just the image header from r and returns its
// dimensions and format.
func (c *Codec) ProbeReader(r io.Reader) (Info, error) {
	conf, format, err := image.DecodeConfig(r)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return Info{Width: conf.Width, Height: conf.Height, Format: format}, nil
}

// configFromReader calls image.DecodeConfig on r and returns a reader
// that is the concatenation of the bytes consumed and the remaining r.
func configFromReader(r io.Reader) (io.Reader, image.Config, string, error) {
	header := new(bytes.Buffer)
	tr := io.TeeReader(r, header)
	conf, format, err := image.DecodeConfig(tr)
	return io.MultiReader(header, r), conf, format, err
}

// decode fully decodes r with EXIF orientation applied, gated by the
// RAM semaphore. It returns the image and its source format.
func (c *Codec) decode(r io.Reader) (image.Image, string, error) {
	mr, conf, format, err := configFromReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	// An estimate of the memory needed to hold the decoded pixels.
	// YCbCr JPEGs often need more, RGBA PNGs less.
	ramSize := int64(conf.Width) * int64(conf.Height) * 3
	if err := c.sem.Acquire(ramSize); err != nil {
		return nil, "", fmt.Errorf("images: %dx%d image too large to decode: %v", conf.Width, conf.Height, err)
	}
	defer c.sem.Release(ramSize)

	img, err := imaging.Decode(mr, imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("images: decode %s: %w", format, err)
	}
	return img, format, nil
}

// Thumbnail renders r scaled down to fit within w x h, preserving
// aspect ratio and never upscaling. format and quality select the
// encoding; empty format means the source format (or jpeg), quality 0
// means the thumbnail default.
func (c *Codec) Thumbnail(r io.Reader, w, h int, format string, quality int) ([]byte, Info, error) {
	if quality == 0 {
		quality = c.opts.ThumbQuality
	}
	img, srcFormat, err := c.decode(r)
	if err != nil {
		return nil, Info{}, err
	}
	fitted := imaging.Fit(img, w, h, imaging.Lanczos)
	return encodeResult(fitted, pickFormat(format, srcFormat), quality)
}

// Resize renders r at exactly w x h; a zero on either side preserves
// the aspect ratio. Unlike Thumbnail it will upscale.
func (c *Codec) Resize(r io.Reader, w, h int, format string, quality int) ([]byte, Info, error) {
	if quality == 0 {
		quality = c.opts.CacheQuality
	}
	img, srcFormat, err := c.decode(r)
	if err != nil {
		return nil, Info{}, err
	}
	resized := imaging.Resize(img, w, h, imaging.Lanczos)
	return encodeResult(resized, pickFormat(format, srcFormat), quality)
}

// pickFormat chooses the encode format: the caller's explicit choice
// first, then the source format when we can encode it, then jpeg.
func pickFormat(requested, src string) string {
	if requested != "" {
		return requested
	}
	switch src {
	case "png", "gif", "bmp", "tiff":
		return src
	}
	return "jpeg"
}

func encodeResult(img image.Image, format string, quality int) ([]byte, Info, error) {
	b, err := Encode(img, format, quality)
	if err != nil {
		return nil, Info{}, err
	}
	if format == "" || format == "jpg" || format == "webp" {
		format = "jpeg"
	}
	bounds := img.Bounds()
	return b, Info{Width: bounds.Dx(), Height: bounds.Dy(), Format: format}, nil
}

// Encode serializes img in the named format. quality applies to jpeg
// only. webp, being decode-only, is written as jpeg.
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	var f imaging.Format
	switch format {
	case "", "jpeg", "jpg", "webp":
		f = imaging.JPEG
	case "png":
		f = imaging.PNG
	case "gif":
		f = imaging.GIF
	case "bmp":
		f = imaging.BMP
	case "tif", "tiff":
		f = imaging.TIFF
	default:
		return nil, fmt.Errorf("%w: cannot encode %q", ErrUnsupportedFormat, format)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, f, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("images: encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
