// Package sourcefile resolves local paths into ingestible sources. TSE
// publishes exports as zip bundles, so an archive expands into one source
// per data entry.
package sourcefile

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNoEntries = errors.New("archive has no csv entries")

// Source is one stream to ingest.
type Source struct {
	// Name is the file path, or "archive.zip!entry.csv" for archive entries.
	Name string
	Size int64
	open func() (io.ReadCloser, error)
}

func (s Source) Open() (io.ReadCloser, error) { return s.open() }

// Resolve expands every path: plain files pass through, zip archives yield
// their .csv and .txt entries sorted by name.
func Resolve(paths ...string) ([]Source, error) {
	var out []Source
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ".zip") {
			entries, err := zipEntries(p)
			if err != nil {
				return nil, err
			}
			out = append(out, entries...)
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat source: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("source %s is a directory", p)
		}
		out = append(out, Source{
			Name: p,
			Size: info.Size(),
			open: func() (io.ReadCloser, error) { return os.Open(p) },
		})
	}
	return out, nil
}

func isDataEntry(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".txt":
		return !strings.HasPrefix(path.Base(name), ".")
	}
	return false
}

func zipEntries(archive string) ([]Source, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archive, err)
	}
	defer r.Close()

	var out []Source
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !isDataEntry(f.Name) {
			continue
		}
		entry := f.Name
		out = append(out, Source{
			Name: archive + "!" + entry,
			Size: int64(f.UncompressedSize64),
			open: func() (io.ReadCloser, error) { return openEntry(archive, entry) },
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", archive, ErrNoEntries)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// entryReader closes the entry and its archive together.
type entryReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (e *entryReader) Close() error {
	return errors.Join(e.ReadCloser.Close(), e.archive.Close())
}

func openEntry(archive, name string) (io.ReadCloser, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archive, err)
	}
	rc, err := r.Open(name)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("open entry %s: %w", name, err)
	}
	return &entryReader{ReadCloser: rc, archive: r}, nil
}

// CountRows counts data lines of a source, excluding the header. Quoted
// fields with embedded newlines make this an estimate, which is all a
// progress total needs.
func CountRows(s Source) (int64, error) {
	rc, err := s.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	buf := make([]byte, 32*1024)
	var count int64
	var last byte
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			count += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("count rows: %w", err)
		}
	}
	if last != '\n' && last != 0 {
		count++
	}
	return max(count-1, 0), nil
}
