// Package files inspects the file a sender is about to share.
package files

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

const (
	defaultMimeType = "application/octet-stream"
	sniffLen        = 512
)

var (
	ErrIsDirectory = errors.New("is a directory")
	ErrEmptyFile   = errors.New("file is empty")
)

// FileInfo describes a readable regular file.
type FileInfo struct {
	// Path is absolute.
	Path string
	Name string
	Size int64
	Type string
}

// Inspect checks that path is a non-empty readable regular file and detects
// its MIME type, first by extension and then by content.
func Inspect(path string) (FileInfo, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: resolve path: %w", path, err)
	}

	stat, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fmt.Errorf("%s: file does not exist", path)
		}
		return FileInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	if stat.IsDir() {
		return FileInfo{}, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	if stat.Size() == 0 {
		return FileInfo{}, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: cannot open file (check permissions): %w", path, err)
	}
	defer f.Close()

	return FileInfo{
		Path: absPath,
		Name: filepath.Base(absPath),
		Size: stat.Size(),
		Type: detectType(absPath, f),
	}, nil
}

func detectType(path string, r io.Reader) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(r, head)
	if n == 0 {
		return defaultMimeType
	}
	return http.DetectContentType(head[:n])
}
