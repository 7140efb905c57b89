package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ZipFiles writes files into a new zip archive at dst, each stored under
// its base name in the order given. A partial archive is removed on error.
func ZipFiles(dst string, files []string) (err error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	zw := zip.NewWriter(out)
	for _, file := range files {
		if err = addToZip(zw, file); err != nil {
			_ = zw.Close()
			_ = out.Close()
			return err
		}
	}
	if err = zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func addToZip(zw *zip.Writer, file string) error {
	in, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(file), err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(file), err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(file)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write %s: %w", hdr.Name, err)
	}
	return nil
}
