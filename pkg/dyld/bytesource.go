package dyld

import (
	"io"
	"os"
	"unicode/utf8"

	"github.com/apex/log"
)

// ByteSource is an abstract random-access reader over one cache file.
// Implementations must be safe for concurrent Read calls; a wrapper around a
// shared file handle is responsible for serialising internally.
type ByteSource interface {
	// Size returns the total size of the backing data in bytes.
	Size() int64
	// Read returns exactly length bytes starting at offset, unless EOF
	// truncates the result. A negative or out-of-range offset yields an
	// empty slice, never an error; bounds enforcement is a caller concern.
	Read(offset int64, length int) ([]byte, error)
}

const (
	defaultMaxStringBytes = 256 * 1024
	defaultStringChunk    = 4 * 1024
)

// readNulTerminatedString reads forward from offset in chunkSize pieces,
// stopping at the first NUL byte or after maxBytes, and decodes the result as
// UTF-8 with the replacement character standing in for invalid sequences.
func readNulTerminatedString(src ByteSource, offset int64, maxBytes, chunkSize int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxStringBytes
	}
	if chunkSize <= 0 {
		chunkSize = defaultStringChunk
	}
	var buf []byte
	for len(buf) < maxBytes {
		want := chunkSize
		if remaining := maxBytes - len(buf); want > remaining {
			want = remaining
		}
		chunk, err := src.Read(offset+int64(len(buf)), want)
		if err != nil {
			return "", newError(ErrFileReadError, err, "reading NUL-terminated string at offset %d", offset)
		}
		if len(chunk) == 0 {
			break
		}
		if idx := indexByte(chunk, 0); idx >= 0 {
			buf = append(buf, chunk[:idx]...)
			return toUTF8(buf), nil
		}
		buf = append(buf, chunk...)
		if len(chunk) < want {
			break // short read: treat as EOF
		}
	}
	return toUTF8(buf), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func toUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}

// MemoryByteSource is a ByteSource backed by an in-memory byte slice. It is
// the pre-canned backend used by tests and by callers working with small,
// already-loaded inputs.
type MemoryByteSource struct {
	data []byte
}

// NewMemoryByteSource wraps data (without copying) as a ByteSource.
func NewMemoryByteSource(data []byte) *MemoryByteSource {
	return &MemoryByteSource{data: data}
}

func (m *MemoryByteSource) Size() int64 { return int64(len(m.data)) }

func (m *MemoryByteSource) Read(offset int64, length int) ([]byte, error) {
	if offset < 0 || length <= 0 || offset >= int64(len(m.data)) {
		return nil, nil
	}
	end := offset + int64(length)
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	return m.data[offset:end], nil
}

// FileByteSource is a ByteSource backed by an *os.File opened read-only. It
// is the pre-canned "real filesystem" backend named in §9's polymorphism
// note; transport/storage beyond this is an external collaborator's concern
// (§1), not the core's.
type FileByteSource struct {
	f    *os.File
	size int64
}

// NewFileByteSource wraps an already-open file. The caller retains ownership
// of f and must Close it after every derived view/coordinator is done.
func NewFileByteSource(f *os.File) (*FileByteSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, newError(ErrFileReadError, wrapf(err, "stat"), "opening byte source")
	}
	return &FileByteSource{f: f, size: info.Size()}, nil
}

func (s *FileByteSource) Size() int64 { return s.size }

func (s *FileByteSource) Read(offset int64, length int) ([]byte, error) {
	if offset < 0 || length <= 0 || offset >= s.size {
		return nil, nil
	}
	if remaining := s.size - offset; int64(length) > remaining {
		length = int(remaining)
	}
	buf := make([]byte, length)
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, newError(ErrFileReadError, wrapf(err, "ReadAt offset=%d length=%d", offset, length), "reading byte source")
	}
	return buf[:n], nil
}

// Opener resolves a sibling cache file (subcache or symbols sidecar) by path.
// A nil ByteSource with a nil error means "file does not exist"; any other
// failure must be returned as an error.
type Opener func(path string) (ByteSource, error)

// OSOpener is the canonical Opener over the real filesystem: os.Open, wrapped
// in a FileByteSource, with a missing file reported as (nil, nil) rather than
// an error so callers can distinguish "absent" from "broken".
func OSOpener(path string) (ByteSource, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Debug("sibling cache file not found")
			return nil, nil
		}
		return nil, newError(ErrFileReadError, wrapf(err, "opening %s", path), "opening sibling cache file")
	}
	src, err := NewFileByteSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}
