// Package objectstore keeps uploaded files on local disk and serves them back
// for direct links. Each object lives in its own directory, <uuid>/<name>.
package objectstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

// compressedSuffix marks objects stored lz4-framed.
const compressedSuffix = ".lz4"

var (
	ErrInvalidPath = errors.New("invalid object path")
	ErrNotFound    = errors.New("object not found")
)

// already-compressed formats are stored as is
var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".xz": true, ".zst": true,
	".mp3": true, ".flac": true, ".aac": true, ".ogg": true,
	".apk": true, ".iso": true, ".pdf": true,
}

// ShouldCompress reports whether an object with this name is worth
// compressing at rest.
func ShouldCompress(name string) bool {
	return !skipExtensions[strings.ToLower(filepath.Ext(name))]
}

// Object describes a stored file.
type Object struct {
	StoragePath string
	Name        string
	// Size is the original byte length, or -1 when it is not known without
	// decompressing.
	Size       int64
	Compressed bool
}

type Store struct {
	base   string
	logger *slog.Logger
}

// New returns a store rooted at base, creating it if needed.
func New(base string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create object directory: %w", err)
	}
	return &Store{base: base, logger: logger.With("component", "objectstore")}, nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		name == filepath.Base(name) && !strings.ContainsAny(name, `/\`)
}

// Put stores r under a fresh storage path.
func (s *Store) Put(name string, r io.Reader) (Object, error) {
	if !validName(name) {
		return Object{}, fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}

	id := uuid.NewString()
	dir := filepath.Join(s.base, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Object{}, fmt.Errorf("create object: %w", err)
	}

	obj := Object{StoragePath: id + "/" + name, Name: name, Compressed: ShouldCompress(name)}
	size, err := s.write(dir, obj, r)
	if err != nil {
		_ = os.RemoveAll(dir)
		return Object{}, err
	}
	obj.Size = size

	s.logger.Debug("object stored", "path", obj.StoragePath, "bytes", size, "compressed", obj.Compressed)
	return obj, nil
}

func (s *Store) write(dir string, obj Object, r io.Reader) (int64, error) {
	path := filepath.Join(dir, obj.Name)
	if obj.Compressed {
		path += compressedSuffix
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create object file: %w", err)
	}
	defer f.Close()

	if !obj.Compressed {
		n, err := io.Copy(f, r)
		if err != nil {
			return 0, fmt.Errorf("write object: %w", err)
		}
		return n, f.Close()
	}

	zw := lz4.NewWriter(f)
	n, err := io.Copy(zw, r)
	if err != nil {
		return 0, fmt.Errorf("compress object: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("compress object: %w", err)
	}
	return n, f.Close()
}

// resolve validates storagePath and returns the object's directory and name.
func (s *Store) resolve(storagePath string) (string, string, error) {
	id, name, ok := strings.Cut(storagePath, "/")
	if !ok || !validName(name) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, storagePath)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, storagePath)
	}
	return filepath.Join(s.base, id), name, nil
}

type lz4ReadCloser struct {
	*lz4.Reader
	f *os.File
}

func (r lz4ReadCloser) Close() error {
	return r.f.Close()
}

// Open returns the decompressed content of the object.
func (s *Store) Open(storagePath string) (io.ReadCloser, Object, error) {
	dir, name, err := s.resolve(storagePath)
	if err != nil {
		return nil, Object{}, err
	}
	obj := Object{StoragePath: storagePath, Name: name, Size: -1}

	path := filepath.Join(dir, name)
	if f, err := os.Open(path); err == nil {
		if info, err := f.Stat(); err == nil {
			obj.Size = info.Size()
		}
		return f, obj, nil
	}

	f, err := os.Open(path + compressedSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, Object{}, ErrNotFound
	}
	if err != nil {
		return nil, Object{}, fmt.Errorf("open object: %w", err)
	}
	obj.Compressed = true
	return lz4ReadCloser{Reader: lz4.NewReader(f), f: f}, obj, nil
}

// Delete removes the object. Removing a missing object is not an error.
func (s *Store) Delete(storagePath string) error {
	dir, _, err := s.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	s.logger.Debug("object deleted", "path", storagePath)
	return nil
}
