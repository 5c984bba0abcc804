// Package relay implements a capturing TCP relay. Each accepted client gets a
// Session that connects to the target, records every chunk flowing in either
// direction into one capture.Sink, and forwards the chunk unmodified.
package relay

import (
	"errors"
	"fmt"
	"io"

	"github.com/cyberinferno/mitmrelay/capture"
)

// DefaultReadBufferSize is the largest chunk read from a socket in one call.
const DefaultReadBufferSize = 4096

var (
	// ErrDial marks a failure to connect to the target.
	ErrDial = errors.New("target dial failed")
	// ErrRead marks a read failure on the source connection.
	ErrRead = errors.New("read failed")
	// ErrWrite marks a write failure on the destination connection.
	ErrWrite = errors.New("write failed")
	// ErrCapture marks a failure to record a chunk or open/close the record.
	ErrCapture = errors.New("capture failed")
)

// Stats counts what a Forward call relayed.
type Stats struct {
	Chunks int64
	Bytes  int64
}

type closeWriter interface {
	CloseWrite() error
}

// Forward copies src to dst one chunk at a time, appending every chunk to
// sink before writing it. It returns nil when src reaches end of stream, after
// half-closing dst if dst supports CloseWrite. A chunk that cannot be recorded
// is not forwarded and ends the copy.
//
// Parameters:
//   - src: The connection to read from
//   - dst: The connection to write to
//   - sink: Where every chunk is recorded
//   - bufSize: Maximum chunk size; DefaultReadBufferSize if not positive
//
// Returns:
//   - Counts of the chunks and bytes fully forwarded
//   - nil on clean end of stream, otherwise an error wrapping ErrRead,
//     ErrWrite or ErrCapture
func Forward(src io.Reader, dst io.Writer, sink capture.Sink, bufSize int) (Stats, error) {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}

	var stats Stats
	buf := make([]byte, bufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if aerr := sink.Append(chunk); aerr != nil {
				return stats, fmt.Errorf("%w: %w", ErrCapture, aerr)
			}

			if werr := writeFull(dst, chunk); werr != nil {
				return stats, fmt.Errorf("%w: %w", ErrWrite, werr)
			}

			stats.Chunks++
			stats.Bytes += int64(n)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				closeWrite(dst)
				return stats, nil
			}

			return stats, fmt.Errorf("%w: %w", ErrRead, err)
		}

		// A reader that returns nothing and no error has nothing more to give.
		if n == 0 {
			closeWrite(dst)
			return stats, nil
		}
	}
}

// writeFull writes all of p, retrying short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}

		if n == 0 {
			return io.ErrShortWrite
		}

		p = p[n:]
	}

	return nil
}

func closeWrite(w io.Writer) {
	if cw, ok := w.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
