// Package imageset models the candidate images inside a workspace and the
// shared removal policy used by duplicate detection and integrity checks.
package imageset

import (
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// Decoders for every format the crawler is expected to return.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/corona10/goimagehash"

	"chunkpipe/internal/fileutil"
)

// Candidate is a downloaded file. Hashes and decode results are filled lazily.
type Candidate struct {
	Path string
	// Name is the slash-separated path relative to the scanned directory and
	// fixes the deterministic processing order.
	Name string
	Size int64

	contentHash string
	phash       *goimagehash.ImageHash

	decoded   bool
	decodeErr error
	format    string
	width     int
	height    int
}

// Scan lists regular files under dir in name order. Hidden files are skipped.
func Scan(dir string) ([]*Candidate, error) {
	var out []*Candidate
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, &Candidate{Path: path, Name: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	SortByName(out)
	return out, nil
}

// SortByName orders candidates deterministically.
func SortByName(candidates []*Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
}

// ContentHash returns the SHA-256 of the raw bytes, computing it once.
func (c *Candidate) ContentHash() (string, error) {
	if c.contentHash != "" {
		return c.contentHash, nil
	}
	sum, size, err := fileutil.HashFile(c.Path)
	if err != nil {
		return "", err
	}
	c.contentHash = sum
	c.Size = size
	return sum, nil
}

// Decode fully decodes the image and caches its format and dimensions. The
// decoded pixels are returned but not retained.
func (c *Candidate) Decode() (image.Image, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		c.recordDecode("", 0, 0, err)
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		c.recordDecode("", 0, 0, err)
		return nil, err
	}
	bounds := img.Bounds()
	c.recordDecode(format, bounds.Dx(), bounds.Dy(), nil)
	return img, nil
}

// PerceptualHash returns the DCT perceptual hash, decoding the file on first
// use. Undecodable files return the decode error.
func (c *Candidate) PerceptualHash() (*goimagehash.ImageHash, error) {
	if c.phash != nil {
		return c.phash, nil
	}
	if c.decoded && c.decodeErr != nil {
		return nil, c.decodeErr
	}
	img, err := c.Decode()
	if err != nil {
		return nil, err
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, err
	}
	c.phash = hash
	return hash, nil
}

// Inspect returns cached decode results, decoding on first use.
func (c *Candidate) Inspect() (format string, width, height int, err error) {
	if !c.decoded {
		_, _ = c.Decode()
	}
	return c.format, c.width, c.height, c.decodeErr
}

func (c *Candidate) recordDecode(format string, width, height int, err error) {
	c.decoded = true
	c.format = format
	c.width = width
	c.height = height
	c.decodeErr = err
}
