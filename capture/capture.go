// Package capture records the bytes seen by a relay session into an
// append-only text file. Chunks that are valid UTF-8 are written verbatim;
// anything else is written as lowercase hex. No delimiter separates the two
// encodings and no direction or chunk boundary is recorded.
package capture

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"
)

// FileNameLayout is the time layout used by FileName.
const FileNameLayout = "2006-01-02_15-04-05"

// ErrClosed is returned by Append once the sink has been closed.
var ErrClosed = errors.New("capture sink is closed")

// Sink is the destination for captured chunks. Append must be safe for
// concurrent use and must not return before the chunk is durable.
type Sink interface {
	// Append records one chunk.
	Append(chunk []byte) error

	// Close flushes and releases the record. It is safe to call multiple
	// times.
	Close() error
}

// Stats reports how much a sink has recorded.
type Stats struct {
	Chunks int64
	Bytes  int64
}

// Encode returns the representation of chunk stored in the record: the chunk
// itself when it is valid UTF-8, its hex encoding otherwise.
//
// Parameters:
//   - chunk: The bytes read from a socket
//
// Returns:
//   - The bytes to append to the record
func Encode(chunk []byte) []byte {
	if utf8.Valid(chunk) {
		return chunk
	}

	out := make([]byte, hex.EncodedLen(len(chunk)))
	hex.Encode(out, chunk)
	return out
}

// FileName returns the record file name for a session started at t. Two
// sessions started within the same second get the same name.
func FileName(t time.Time) string {
	return fmt.Sprintf("dump_%s.txt", t.Format(FileNameLayout))
}

// record is the storage behind a FileSink; *os.File satisfies it.
type record interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

// FileSink is a Sink backed by a file. Every Append is written and synced
// before it returns.
type FileSink struct {
	path   string
	mu     sync.Mutex
	rec    record
	closed bool
	stats  Stats
}

// Open creates dir if needed and opens the record file for a session started
// at now. An existing file with the same name is appended to.
//
// Parameters:
//   - dir: Directory for record files
//   - now: Session start time, used for the file name
//
// Returns:
//   - The FileSink
//   - An error if the directory or file cannot be created
func Open(dir string, now time.Time) (*FileSink, error) {
	if dir == "" {
		dir = "."
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	return newFileSink(path, f), nil
}

func newFileSink(path string, rec record) *FileSink {
	return &FileSink{path: path, rec: rec}
}

// Path returns the record file path.
func (s *FileSink) Path() string {
	return s.path
}

// Append writes the encoded chunk and syncs it to storage. On failure an
// "Error: ..." marker is written to the record before the error is returned.
//
// Parameters:
//   - chunk: The bytes to record; empty chunks are ignored
//
// Returns:
//   - ErrClosed after Close, or the write/sync error
func (s *FileSink) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.write(Encode(chunk)); err != nil {
		_, _ = s.rec.Write([]byte("Error: " + err.Error()))
		_ = s.rec.Sync()
		return fmt.Errorf("capture %s: %w", s.path, err)
	}

	s.stats.Chunks++
	s.stats.Bytes += int64(len(chunk))
	return nil
}

// write must be called with s.mu held.
func (s *FileSink) write(p []byte) error {
	n, err := s.rec.Write(p)
	if err != nil {
		return err
	}

	if n != len(p) {
		return fmt.Errorf("wrote %d of %d bytes", n, len(p))
	}

	return s.rec.Sync()
}

// Stats returns the number of chunks and raw bytes appended so far.
func (s *FileSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close syncs and closes the record file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	syncErr := s.rec.Sync()
	if err := s.rec.Close(); err != nil {
		return fmt.Errorf("close capture %s: %w", s.path, err)
	}

	if syncErr != nil {
		return fmt.Errorf("sync capture %s: %w", s.path, syncErr)
	}

	return nil
}
