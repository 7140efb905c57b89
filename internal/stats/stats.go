// Package stats reports disk usage for the service's filesystem roots.
// Everything here is read-only.
package stats

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// Category groups files by media kind.
type Category string

const (
	CategoryImage Category = "image"
	CategoryGIF   Category = "gif"
	CategoryVideo Category = "video"
	CategoryOther Category = "other"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryImage, CategoryGIF, CategoryVideo, CategoryOther}

var extCategory = map[string]Category{
	".png":  CategoryImage,
	".jpg":  CategoryImage,
	".jpeg": CategoryImage,
	".webp": CategoryImage,
	".bmp":  CategoryImage,
	".tiff": CategoryImage,
	".gif":  CategoryGIF,
	".mp4":  CategoryVideo,
	".mov":  CategoryVideo,
	".mkv":  CategoryVideo,
	".webm": CategoryVideo,
	".avi":  CategoryVideo,
}

// CategoryOf classifies a file name by extension.
func CategoryOf(name string) Category {
	if c, ok := extCategory[strings.ToLower(filepath.Ext(name))]; ok {
		return c
	}
	return CategoryOther
}

// Bucket is a file count and byte total.
type Bucket struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Stats summarizes one directory tree.
type Stats struct {
	Path       string              `json:"path"`
	Files      int                 `json:"files"`
	Dirs       int                 `json:"dirs"`
	Bytes      int64               `json:"bytes"`
	Human      string              `json:"human"`
	ByCategory map[Category]Bucket `json:"by_category"`
}

// DirectorySize returns the total size in bytes of regular files under path.
// A missing path is zero. Entries that vanish mid-walk are ignored.
func DirectorySize(path string) (int64, error) {
	var total int64
	err := walk(path, func(_ string, d fs.DirEntry) {
		if d.IsDir() {
			return
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
	})
	return total, err
}

// FileTypeStats counts files and bytes under path per category.
func FileTypeStats(path string) (Stats, error) {
	st := Stats{
		Path:       path,
		ByCategory: make(map[Category]Bucket, len(Categories)),
	}
	for _, c := range Categories {
		st.ByCategory[c] = Bucket{}
	}

	err := walk(path, func(p string, d fs.DirEntry) {
		if d.IsDir() {
			st.Dirs++
			return
		}
		info, err := d.Info()
		if err != nil {
			return
		}
		c := CategoryOf(p)
		b := st.ByCategory[c]
		b.Files++
		b.Bytes += info.Size()
		st.ByCategory[c] = b
		st.Files++
		st.Bytes += info.Size()
	})
	st.Human = FormatBytes(st.Bytes)
	return st, err
}

// walk visits every entry below root (not root itself). Regular files and
// directories are reported; symlinks and special files are skipped.
func walk(root string, visit func(path string, d fs.DirEntry)) error {
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", root, err)
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if p == root {
				return err
			}
			// Unreadable subtree: skip it, keep counting the rest.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}
		if d.IsDir() || d.Type().IsRegular() {
			visit(p, d)
		}
		return nil
	})
}

// FormatBytes renders n in IEC units, e.g. "1.5 MiB".
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// Largest returns the n biggest categories by bytes, ties broken by name.
func (s Stats) Largest(n int) []Category {
	cats := append([]Category(nil), Categories...)
	sort.SliceStable(cats, func(i, j int) bool {
		bi, bj := s.ByCategory[cats[i]].Bytes, s.ByCategory[cats[j]].Bytes
		if bi != bj {
			return bi > bj
		}
		return cats[i] < cats[j]
	})
	if n > len(cats) {
		n = len(cats)
	}
	return cats[:n]
}
