package transfer

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/BioHazard786/warplink/internal/utils"
)

// Blob is a reconstructed file.
type Blob struct {
	Name     string
	MimeType string
	Data     []byte
}

// Size returns the byte length of the blob.
func (b Blob) Size() int64 {
	return int64(len(b.Data))
}

// Save writes the blob into dir under a name that does not clobber an
// existing file and returns the path written.
func (b Blob) Save(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", NewFileError("create directory", dir, err)
	}
	path, err := utils.UniqueFilename(dir, b.Name)
	if err != nil {
		return "", NewFileError("pick file name", b.Name, err)
	}
	if err := os.WriteFile(path, b.Data, 0o644); err != nil {
		return "", NewFileError("write", path, err)
	}
	return path, nil
}

// Assembler accumulates received chunks in arrival order.
type Assembler struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int64
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Append stores a copy of chunk.
func (a *Assembler) Append(chunk []byte) {
	c := append([]byte(nil), chunk...)
	a.mu.Lock()
	a.chunks = append(a.chunks, c)
	a.size += int64(len(c))
	a.mu.Unlock()
}

// Len returns the number of bytes appended since the last Reset.
func (a *Assembler) Len() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Count returns the number of chunks appended since the last Reset.
func (a *Assembler) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// Materialize concatenates the chunks, in order, into a blob.
func (a *Assembler) Materialize(name, mimeType string) Blob {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf bytes.Buffer
	buf.Grow(int(a.size))
	for _, c := range a.chunks {
		buf.Write(c)
	}
	return Blob{Name: name, MimeType: mimeType, Data: buf.Bytes()}
}

// Reset discards every chunk.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.chunks = nil
	a.size = 0
	a.mu.Unlock()
}

func (a *Assembler) String() string {
	return fmt.Sprintf("assembler(%d chunks, %d bytes)", a.Count(), a.Len())
}
