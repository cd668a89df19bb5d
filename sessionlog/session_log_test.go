package sessionlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordLine = regexp.MustCompile(`^(\d+),(.*)$`)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileName(t *testing.T) {
	started := time.UnixMilli(1700000000123)
	got := FileName("/data/run", "p01", started)
	assert.Equal(t, filepath.Join("/data/run", "p01_1700000000123.txt"), got)
}

func TestOpen(t *testing.T) {
	t.Run("writes header lines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "s.txt")
		l, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, l.Close())

		assert.Equal(t, []string{GazeHeader, FaceHeader}, readLines(t, path))
		assert.Equal(t, path, l.Path())
	})

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "s.txt")
		require.NoError(t, os.WriteFile(path, []byte("previous\n"), 0644))

		l, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, l.Close())

		lines := readLines(t, path)
		require.Len(t, lines, 3)
		assert.Equal(t, "previous", lines[0])
	})

	t.Run("invalid path is an open error", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "s.txt"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOpen))
	})
}

func TestAppend(t *testing.T) {
	t.Run("prefixes arrival time in milliseconds", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "s.txt")
		l, err := Open(path)
		require.NoError(t, err)
		l.now = func() time.Time { return time.UnixMilli(1700000000456) }

		ts, err := l.Append("1699999999000,gaze,0.5,0.5,0.1,0.2,0.3,0.4")
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000456), ts)
		require.NoError(t, l.Close())

		lines := readLines(t, path)
		require.Len(t, lines, 3)
		assert.Equal(t, "1700000000456,1699999999000,gaze,0.5,0.5,0.1,0.2,0.3,0.4", lines[2])
		assert.EqualValues(t, 1, l.Lines())
	})

	t.Run("uses wall clock", func(t *testing.T) {
		l, err := Open(filepath.Join(t.TempDir(), "s.txt"))
		require.NoError(t, err)
		defer l.Close()

		before := time.Now().UnixMilli()
		ts, err := l.Append("x")
		after := time.Now().UnixMilli()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ts, before)
		assert.LessOrEqual(t, ts, after)
	})

	t.Run("after close returns ErrClosed", func(t *testing.T) {
		l, err := Open(filepath.Join(t.TempDir(), "s.txt"))
		require.NoError(t, err)
		require.NoError(t, l.Close())

		_, err = l.Append("late")
		assert.True(t, errors.Is(err, ErrClosed))
	})

	t.Run("write failure is ErrWrite", func(t *testing.T) {
		l, err := Open(filepath.Join(t.TempDir(), "s.txt"))
		require.NoError(t, err)
		require.NoError(t, l.file.Close())

		_, err = l.Append("lost")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrWrite))
		assert.False(t, errors.Is(err, ErrClosed))
	})

	t.Run("concurrent appends never interleave", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "s.txt")
		l, err := Open(path)
		require.NoError(t, err)

		const writers, perWriter = 16, 200
		payload := strings.Repeat("z", 1500)

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := l.Append(fmt.Sprintf("w%02d-%04d-%s", w, i, payload))
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()
		require.NoError(t, l.Close())

		lines := readLines(t, path)
		require.Len(t, lines, 2+writers*perWriter)
		seen := make(map[string]bool, writers*perWriter)
		for _, line := range lines[2:] {
			m := recordLine.FindStringSubmatch(line)
			require.NotNil(t, m, "malformed line %q", line)
			assert.True(t, strings.HasSuffix(m[2], payload))
			seen[m[2][:9]] = true
		}
		assert.Len(t, seen, writers*perWriter)
		assert.EqualValues(t, writers*perWriter, l.Lines())
	})
}

// failWrites makes the next n writes fail after writing at most keep bytes.
func failWrites(l *SessionLog, n int, keep int) {
	write := l.file.Write
	l.write = func(p []byte) (int, error) {
		if n > 0 {
			n--
			written, _ := write(p[:min(keep, len(p))])
			return written, errors.New("no space left on device")
		}
		return write(p)
	}
}

func openAt(t *testing.T, ms int64) (*SessionLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.txt")
	l, err := Open(path)
	require.NoError(t, err)
	l.now = func() time.Time { return time.UnixMilli(ms) }
	return l, path
}

func TestAppend_FailedWrites(t *testing.T) {
	t.Run("resume writes only the missing bytes", func(t *testing.T) {
		l, path := openAt(t, 1000)
		failWrites(l, 1, 5)

		ts, err := l.Append("abcdefghij")
		require.True(t, errors.Is(err, ErrWrite))
		assert.Equal(t, int64(1000), ts)
		assert.EqualValues(t, 0, l.Lines())

		require.NoError(t, l.Resume())
		require.NoError(t, l.Close())

		assert.Equal(t, []string{"1000,abcdefghij"}, readLines(t, path)[2:])
		assert.EqualValues(t, 1, l.Lines())
	})

	t.Run("next append finishes a torn line first", func(t *testing.T) {
		l, path := openAt(t, 1000)
		failWrites(l, 1, 3)

		_, err := l.Append("first")
		require.Error(t, err)
		_, err = l.Append("second")
		require.NoError(t, err)
		require.NoError(t, l.Close())

		assert.Equal(t, []string{"1000,first", "1000,second"}, readLines(t, path)[2:])
		assert.EqualValues(t, 2, l.Lines())
	})

	t.Run("lines queue behind pending bytes", func(t *testing.T) {
		l, path := openAt(t, 1000)
		failWrites(l, 2, 3)

		_, err := l.Append("first")
		require.True(t, errors.Is(err, ErrWrite))
		_, err = l.Append("second")
		require.True(t, errors.Is(err, ErrWrite))

		require.NoError(t, l.Resume())
		require.NoError(t, l.Close())

		assert.Equal(t, []string{"1000,first", "1000,second"}, readLines(t, path)[2:])
		assert.EqualValues(t, 2, l.Lines())
	})

	t.Run("resume with nothing pending", func(t *testing.T) {
		l, _ := openAt(t, 1000)
		defer l.Close()
		assert.NoError(t, l.Resume())
	})

	t.Run("backlog is bounded", func(t *testing.T) {
		l, _ := openAt(t, 1000)
		defer l.Close()
		failWrites(l, 1000, 0)

		big := strings.Repeat("x", maxPending/2+1)
		_, err := l.Append(big)
		require.True(t, errors.Is(err, ErrWrite))

		_, err = l.Append(big)
		assert.True(t, errors.Is(err, ErrBacklog))
		assert.False(t, errors.Is(err, ErrWrite))
	})

	t.Run("close writes pending bytes", func(t *testing.T) {
		l, path := openAt(t, 1000)
		failWrites(l, 1, 0)

		_, err := l.Append("late")
		require.Error(t, err)
		require.NoError(t, l.Close())

		assert.Equal(t, []string{"1000,late"}, readLines(t, path)[2:])
	})
}

func TestClose(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "s.txt"))
	require.NoError(t, err)

	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
