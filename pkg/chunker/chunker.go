// Package chunker splits files into fixed-size chunks for resumable upload
// and computes the whole-file content hash used to label an upload session.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the chunk size used by the uploader (5 MiB).
const DefaultChunkSize = 5 * 1024 * 1024

var ErrEmptyFile = errors.New("file is empty")

// Chunk describes one contiguous byte range of a larger file.
type Chunk struct {
	Index  int
	Offset int64
	Size   int64
}

// Plan splits [0, fileSize) into an ordered, gap-free sequence of chunks.
// Every chunk is chunkSize bytes except possibly the last one.
func Plan(fileSize, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if fileSize <= 0 {
		return nil, ErrEmptyFile
	}

	n := int((fileSize + chunkSize - 1) / chunkSize)
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * chunkSize
		size := chunkSize
		if offset+size > fileSize {
			size = fileSize - offset
		}
		chunks = append(chunks, Chunk{Index: i, Offset: offset, Size: size})
	}
	return chunks, nil
}

// Hash computes the SHA-256 of the full content, independent of chunk
// boundaries. The digest is advisory: it labels the session end to end but
// the server does not re-verify the assembled archive against it.
func Hash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Hash(f)
}

// ReadChunk reads one chunk's bytes from the file at path.
func ReadChunk(path string, c Chunk) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, c.Size)
	if _, err := f.ReadAt(buf, c.Offset); err != nil {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", c.Index, c.Offset, err)
	}
	return buf, nil
}
