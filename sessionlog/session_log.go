// Package sessionlog owns the append-only output file of one ingest run.
// Every record is written as "<unix ms>,<payload>\n" under a mutex so lines
// from concurrent connections never interleave.
package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// Header lines written once at the top of every session log. They document
// the payload layouts the sensor clients send; the server never parses them.
const (
	GazeHeader = "#### Gaze data point format: server_pc_time,record_computer_time,data_type,screen_x,screen_y,left_x_per,left_y_per,right_x_per,right_y_per"
	FaceHeader = "#### Face infrared data point format: server_pc_time,record_computer_time,data_type,participant_name,face_head_tep,nose_tmp"
)

var (
	// ErrOpen marks failures to create or initialize the log file.
	ErrOpen = errors.New("session log open failed")
	// ErrWrite marks failures to append a record.
	ErrWrite = errors.New("session log write failed")
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("session log is closed")
	// ErrBacklog is returned by Append when failed writes have left too much
	// data pending; the record is not accepted.
	ErrBacklog = errors.New("session log backlog full")
)

const maxPending = 1 << 20

// SessionLog is the single shared output file for one server run. It is safe
// for concurrent use.
type SessionLog struct {
	path  string
	mu    sync.Mutex
	file  *os.File
	write func([]byte) (int, error)
	buf   []byte
	// tail holds bytes of accepted lines not yet in the file, oldest first;
	// pending counts those lines.
	tail    []byte
	pending int64
	closed  atomic.Bool
	lines   atomic.Int64
	now     func() time.Time
}

// FileName builds the session log path for a participant. The start time in
// milliseconds keeps repeated sessions from overwriting each other.
//
// Parameters:
//   - dir: Directory the file is created in
//   - participant: Participant or session identifier
//   - startedAt: Server start time
//
// Returns:
//   - "<dir>/<participant>_<unix ms>.txt"
func FileName(dir string, participant string, startedAt time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.txt", participant, startedAt.UnixMilli()))
}

// Open creates path, or opens it for appending if it exists, and writes the
// two header lines.
//
// Parameters:
//   - path: File to append to
//
// Returns:
//   - The SessionLog
//   - An error matching ErrOpen if the file cannot be opened or the header cannot be written
func Open(path string) (*SessionLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open session log %s", path), ErrOpen)
	}

	if _, err := file.WriteString(GazeHeader + "\n" + FaceHeader + "\n"); err != nil {
		_ = file.Close()
		return nil, errors.Mark(errors.Wrapf(err, "failed to write session log header %s", path), ErrOpen)
	}

	return &SessionLog{
		path:  path,
		file:  file,
		write: file.Write,
		buf:   make([]byte, 0, 4096),
		now:   time.Now,
	}, nil
}

// Append stamps payload with the current time in milliseconds and writes it
// as one line. The whole line is written with a single Write while holding
// the lock, so concurrent calls never interleave.
//
// When a write fails the unwritten rest of the line stays pending and later
// lines queue behind it, so a line cut short by a partial write is always
// finished before the next one starts. Resume retries the pending bytes.
//
// Parameters:
//   - payload: The raw record text
//
// Returns:
//   - The timestamp written in front of the payload
//   - An error matching ErrClosed after Close, ErrBacklog when too much is
//     already pending, or ErrWrite if the line is pending after a failed write
func (l *SessionLog) Append(payload string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return 0, ErrClosed
	}

	ts := l.now().UnixMilli()
	l.buf = strconv.AppendInt(l.buf[:0], ts, 10)
	l.buf = append(l.buf, ',')
	l.buf = append(l.buf, payload...)
	l.buf = append(l.buf, '\n')

	if len(l.tail) > 0 {
		if len(l.tail)+len(l.buf) > maxPending {
			return ts, errors.Wrapf(ErrBacklog, "%d bytes pending in %s", len(l.tail), l.path)
		}

		l.tail = append(l.tail, l.buf...)
		l.pending++
		return ts, l.flushTail()
	}

	n, err := l.write(l.buf)
	if err != nil {
		l.tail = append(l.tail[:0], l.buf[n:]...)
		l.pending = 1
		return ts, errors.Mark(errors.Wrapf(err, "failed to append to %s", l.path), ErrWrite)
	}

	l.lines.Add(1)
	return ts, nil
}

// Resume writes the pending bytes left by failed appends. A nil result means
// every line accepted so far is complete in the file.
//
// Returns:
//   - An error matching ErrClosed after Close, or ErrWrite if the write fails again
func (l *SessionLog) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return ErrClosed
	}

	return l.flushTail()
}

// flushTail writes the pending bytes; caller must hold l.mu.
func (l *SessionLog) flushTail() error {
	if len(l.tail) == 0 {
		return nil
	}

	n, err := l.write(l.tail)
	if err != nil {
		l.tail = l.tail[n:]
		return errors.Mark(errors.Wrapf(err, "failed to append to %s", l.path), ErrWrite)
	}

	l.tail = l.tail[:0]
	l.lines.Add(l.pending)
	l.pending = 0
	return nil
}

// Close syncs and closes the file. Only the first call does any work; later
// calls return nil.
func (l *SessionLog) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tailErr := l.flushTail()

	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	if closeErr != nil {
		return errors.Wrapf(closeErr, "failed to close session log %s", l.path)
	}

	if syncErr != nil {
		return errors.Wrapf(syncErr, "failed to sync session log %s", l.path)
	}

	return tailErr
}

// Path returns the file path of the log.
func (l *SessionLog) Path() string {
	return l.path
}

// Lines returns the number of records appended so far.
func (l *SessionLog) Lines() int64 {
	return l.lines.Load()
}
