package alphabet

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

// Export writes the alphabet directory into outDir/<dir name>.zip, with
// entries rooted at the alphabet directory name. It returns the archive
// path.
func (a *Alphabet) Export(outDir string) (string, error) {
	base := filepath.Base(a.dir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", apperrors.Storage(outDir, err)
	}
	outPath := filepath.Join(outDir, base+".zip")
	f, err := os.Create(outPath)
	if err != nil {
		return "", apperrors.Storage(outPath, err)
	}

	zw := zip.NewWriter(f)
	walkErr := filepath.WalkDir(a.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(a.dir), path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		return addFile(zw, path, name)
	})
	if walkErr != nil {
		zw.Close()
		f.Close()
		os.Remove(outPath)
		return "", fmt.Errorf("exporting %s: %w", a.Name, walkErr)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", apperrors.Storage(outPath, err)
	}
	if err := f.Close(); err != nil {
		return "", apperrors.Storage(outPath, err)
	}
	return outPath, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
