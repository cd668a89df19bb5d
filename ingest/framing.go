package ingest

import (
	"bufio"
	"bytes"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/cyberinferno/sensor-ingest/config"
)

// recordReader yields one record per call. It returns either a non-empty
// record and a nil error, or a nil record and the error that ended the
// stream.
//
// The default chunk framing treats each read as one record. TCP may split or
// merge what a client wrote in separate sends, so this only holds while
// clients write slowly relative to the server reading. Line framing removes
// that gap for clients that terminate records with '\n'.
type recordReader interface {
	Next() ([]byte, error)
}

func newRecordReader(r io.Reader, framing string, bufferSize int) recordReader {
	if framing == config.FramingLine {
		return &lineReader{r: bufio.NewReaderSize(r, bufferSize)}
	}

	return &chunkReader{r: r, buf: make([]byte, bufferSize)}
}

// chunkReader returns whatever a single Read delivered. The returned slice
// is only valid until the next call.
type chunkReader struct {
	r       io.Reader
	buf     []byte
	pending error
}

func (c *chunkReader) Next() ([]byte, error) {
	if c.pending != nil {
		err := c.pending
		c.pending = nil
		return nil, err
	}

	for {
		n, err := c.r.Read(c.buf)
		if n > 0 {
			c.pending = err
			return c.buf[:n], nil
		}

		if err != nil {
			return nil, err
		}
	}
}

// lineReader returns newline-terminated lines without the line ending.
// Empty lines are skipped. A final line without '\n' is returned before the
// error that ended the stream. A line that does not fit the buffer ends the
// stream with ErrConnectionIO. The returned slice is only valid until the
// next call.
type lineReader struct {
	r       *bufio.Reader
	pending error
}

func (l *lineReader) Next() ([]byte, error) {
	if l.pending != nil {
		err := l.pending
		l.pending = nil
		return nil, err
	}

	for {
		line, err := l.r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, errors.Mark(errors.Newf("record exceeds %d bytes without a line break", l.r.Size()), ErrConnectionIO)
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			l.pending = err
			return line, nil
		}

		if err != nil {
			return nil, err
		}
	}
}
