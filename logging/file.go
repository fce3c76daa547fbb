package logging

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// OpenFile opens dir/name for appending, creating dir when needed.
func OpenFile(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Archive packs dir/name into dir/<base>-<timestamp>.tar.gz and truncates
// the source. It returns the archive path. An empty log is left alone.
func Archive(dir, name string, now time.Time) (string, error) {
	source := filepath.Join(dir, name)
	file, err := os.Open(source)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() == 0 {
		return "", nil
	}

	base := name[:len(name)-len(filepath.Ext(name))]
	target := filepath.Join(dir, fmt.Sprintf("%s-%s.tar.gz", base, now.Format("20060102-150405")))
	if err := writeArchive(target, file, info); err != nil {
		os.Remove(target)
		return "", err
	}
	if err := os.Truncate(source, 0); err != nil {
		return target, fmt.Errorf("truncate %s: %w", source, err)
	}
	return target, nil
}

func writeArchive(target string, src io.Reader, info os.FileInfo) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tw, src); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return out.Close()
}
